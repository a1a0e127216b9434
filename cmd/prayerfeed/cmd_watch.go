package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/prayerfeed/pkg/livefeed"
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().String("url", "", "stream URL (default: derived from http.listen)")
	watchCmd.Flags().String("viewer", "", "viewer id sent in the viewer header")
	watchCmd.Flags().Uint64("last-event-id", 0, "resume after this event id")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the live stream and print each notification",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		url, _ := cmd.Flags().GetString("url")
		viewer, _ := cmd.Flags().GetString("viewer")
		lastID, _ := cmd.Flags().GetUint64("last-event-id")

		cfg := loadConfig()
		setupLogging(cfg)
		if url == "" {
			url = streamURL(cfg.HTTP.Listen)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		client := livefeed.New(url,
			livefeed.WithViewer(cfg.HTTP.ViewerHeader, viewer),
			livefeed.WithLastEventID(lastID),
		)
		fmt.Fprintf(os.Stderr, "Watching %s\n", url)
		err := client.Subscribe(ctx, func(ev livefeed.Event) error {
			fmt.Fprintf(os.Stdout, "%s #%d %s\n", time.Now().Format(time.TimeOnly), ev.ID, describe(ev))
			return nil
		})
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}

// streamURL turns a listen address such as ":8080" into a local stream URL.
func streamURL(listen string) string {
	host := listen
	if strings.HasPrefix(host, ":") {
		host = "localhost" + host
	}
	return "http://" + host + "/api/live"
}

func describe(ev livefeed.Event) string {
	var parts []string
	if ev.WordsChanged {
		parts = append(parts, "new words")
	}
	if ev.PrayersChanged {
		parts = append(parts, "new prayers")
	}
	if ev.NotificationsCount != nil {
		parts = append(parts, fmt.Sprintf("%d unread", *ev.NotificationsCount))
	}
	if len(parts) == 0 {
		return "no change"
	}
	return strings.Join(parts, ", ")
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/prayerfeed/internal/snapshot"
	"github.com/user/prayerfeed/internal/types"
)

const probeTimeout = 10 * time.Second

func init() {
	rootCmd.AddCommand(probeCmd)
	probeCmd.Flags().String("viewer", "", "viewer to probe for; their own posts are ignored")
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Print a one-off snapshot of the content store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		viewerFlag, _ := cmd.Flags().GetString("viewer")
		viewer := types.ViewerID(viewerFlag)

		cfg := loadConfig()
		setupLogging(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		defer cancel()

		store, closeStore, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		snap, err := snapshot.NewProber(store, nil).Probe(ctx, viewer, viewer)
		if err != nil {
			return fmt.Errorf("probe: %w", err)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	},
}

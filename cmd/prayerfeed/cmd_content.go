package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/user/prayerfeed/internal/types"
)

func init() {
	rootCmd.AddCommand(postCmd, notifyCmd)
	postCmd.AddCommand(postAddCmd)
	notifyCmd.AddCommand(notifyAddCmd, notifyClearCmd)

	postAddCmd.Flags().String("class", "", "content class: words or prayers (required)")
	postAddCmd.Flags().String("author", "", "viewer id of the author")
	_ = postAddCmd.MarkFlagRequired("class")
}

var postCmd = &cobra.Command{
	Use:   "post",
	Short: "Manage posts in the file content store",
}

var postAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Publish a post",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		className, _ := cmd.Flags().GetString("class")
		author, _ := cmd.Flags().GetString("author")

		class, err := types.ParseClass(className)
		if err != nil {
			return err
		}
		store, err := fileStore(loadConfig())
		if err != nil {
			return err
		}
		post, err := store.AddPost(context.Background(), class, types.ViewerID(author))
		if err != nil {
			return fmt.Errorf("add post: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Post %s added to %s.\n", post.ID, post.Class)
		return nil
	},
}

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Manage viewer notifications in the file content store",
}

var notifyAddCmd = &cobra.Command{
	Use:   "add <viewer>",
	Short: "Add an unread notification for a viewer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := fileStore(loadConfig())
		if err != nil {
			return err
		}
		n, err := store.AddNotification(context.Background(), types.ViewerID(args[0]))
		if err != nil {
			return fmt.Errorf("add notification: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Notification %s added for %s.\n", n.ID, n.Viewer)
		return nil
	},
}

var notifyClearCmd = &cobra.Command{
	Use:   "clear <viewer>",
	Short: "Mark all of a viewer's notifications read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := fileStore(loadConfig())
		if err != nil {
			return err
		}
		n, err := store.MarkAllRead(context.Background(), types.ViewerID(args[0]))
		if err != nil {
			return fmt.Errorf("clear notifications: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Marked %d notification(s) read for %s.\n", n, args[0])
		return nil
	},
}

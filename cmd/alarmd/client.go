package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nkkko/alarmd/pkg/client"
	"github.com/nkkko/alarmd/pkg/proto"
)

func init() {
	for _, cmd := range []*cobra.Command{sendCmd, tailCmd} {
		cmd.Flags().String("server", "http://localhost:8080", "alarmd base URL")
	}

	sendCmd.Flags().StringSlice("to", nil, "Recipient ids (more than one broadcasts)")
	sendCmd.Flags().String("title", "", "Alarm title")
	sendCmd.Flags().String("message", "", "Alarm message")
	sendCmd.Flags().String("url", "", "Link opened from the alarm")
	sendCmd.Flags().String("internal-token", os.Getenv("ALARMD_AUTH_INTERNAL_TOKEN"), "Shared secret of the internal API")
	sendCmd.MarkFlagRequired("to")
	sendCmd.MarkFlagRequired("message")

	tailCmd.Flags().String("recipient", "", "Recipient id (servers without auth)")
	tailCmd.Flags().String("token", "", "Bearer token")
	tailCmd.Flags().String("last-event-id", "", "Resume after this event id")
	tailCmd.Flags().Bool("sse", false, "Use Server-Sent Events instead of WebSocket")
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Create and dispatch an alarm",
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		to, _ := cmd.Flags().GetStringSlice("to")
		title, _ := cmd.Flags().GetString("title")
		message, _ := cmd.Flags().GetString("message")
		link, _ := cmd.Flags().GetString("url")
		internalToken, _ := cmd.Flags().GetString("internal-token")

		c := client.New(server, client.WithInternalToken(internalToken))
		ctx := cmd.Context()

		if len(to) == 1 {
			n, err := c.Dispatch(ctx, &proto.CreateNotificationRequest{
				RecipientID: to[0],
				Title:       title,
				Message:     message,
				URL:         link,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), n)
		}

		result, err := c.Broadcast(ctx, &proto.BroadcastRequest{
			RecipientIDs: to,
			Title:        title,
			Message:      message,
			URL:          link,
		})
		if err != nil {
			return err
		}
		if err := printJSON(cmd.OutOrStdout(), result); err != nil {
			return err
		}
		if len(result.Failed) > 0 {
			return fmt.Errorf("broadcast failed for %d recipients", len(result.Failed))
		}
		return nil
	},
}

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Subscribe to a recipient's alarms and print them",
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		recipient, _ := cmd.Flags().GetString("recipient")
		token, _ := cmd.Flags().GetString("token")
		lastEventID, _ := cmd.Flags().GetString("last-event-id")
		useSSE, _ := cmd.Flags().GetBool("sse")

		if recipient == "" && token == "" {
			return fmt.Errorf("one of --recipient or --token is required")
		}

		var opts []client.ClientOption
		if recipient != "" {
			opts = append(opts, client.WithRecipientID(recipient))
		}
		if token != "" {
			opts = append(opts, client.WithToken(token))
		}
		c := client.New(server, opts...)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var sub *client.Subscription
		var err error
		if useSSE {
			sub, err = c.SubscribeSSE(ctx, lastEventID)
		} else {
			sub, err = c.Subscribe(ctx, lastEventID)
		}
		if err != nil {
			return err
		}
		defer sub.Close()

		for ev := range sub.Events() {
			if err := printJSON(cmd.OutOrStdout(), ev); err != nil {
				return err
			}
		}

		if last := sub.LastEventID(); last != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "resume with --last-event-id %s\n", last)
		}
		return sub.Err()
	},
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lzyats/chatfeed/pkg/feed"
	"github.com/lzyats/chatfeed/pkg/send"
)

func init() {
	sendCmd.Flags().String("attachment", "", "attachment URL")
	sendCmd.Flags().String("client-id", "", "client message id; reuse one to replay a send safely (default: random uuid)")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <text>...",
	Short: "Send one message and wait for the server to confirm it",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireScope(); err != nil {
			return err
		}
		attachment, _ := cmd.Flags().GetString("attachment")
		clientID, _ := cmd.Flags().GetString("client-id")
		if clientID == "" {
			clientID = uuid.NewString()
		}

		store := feed.NewStore(flags.scope)
		coord := send.NewCoordinator(store, send.NewHTTPSender(flags.apiURL, flags.token, flags.timeout), send.Options{
			Timeout: flags.timeout,
			Logger:  logger(),
			NewKey:  func() string { return clientID },
		})
		defer coord.Close()

		key, err := coord.Submit(strings.Join(args, " "), attachment)
		if err != nil {
			return err
		}
		status, err := waitSettled(coord, key, 3*flags.timeout)
		if err != nil {
			return err
		}
		if status == feed.StatusFailed {
			for _, p := range store.Snapshot().PendingItems() {
				if p.Key == key {
					return fmt.Errorf("send failed: %w", p.Err)
				}
			}
			return errors.New("send failed")
		}
		for _, m := range store.Snapshot().Messages() {
			if m.ClientMsgID == key {
				fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", m.ID)
				return nil
			}
		}
		fmt.Fprintln(cmd.OutOrStdout(), "sent")
		return nil
	},
}

func waitSettled(coord *send.Coordinator, key string, limit time.Duration) (feed.Status, error) {
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	deadline := time.After(limit)
	for {
		if s, ok := coord.Status(key); ok && s != feed.StatusSending {
			return s, nil
		}
		select {
		case <-t.C:
		case <-deadline:
			return "", fmt.Errorf("%w: no outcome for %s", feed.ErrTimeout, key)
		}
	}
}

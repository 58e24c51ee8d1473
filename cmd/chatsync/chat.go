package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	chatsync "github.com/ticketon/chatsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// send
	sendPurchase string
	sendTo       string

	// messages
	messagesPurchase string
	messagesWith     string
	messagesLimit    int
	messagesJSON     bool

	// watch
	watchPurchase string
	watchWith     string
	watchMarkRead bool
)

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVar(&sendPurchase, "purchase", "", "Purchase transaction id")
	sendCmd.Flags().StringVar(&sendTo, "to", "", "Recipient user id")

	rootCmd.AddCommand(messagesCmd)
	messagesCmd.Flags().StringVar(&messagesPurchase, "purchase", "", "Purchase transaction id")
	messagesCmd.Flags().StringVar(&messagesWith, "with", "", "Conversation partner user id")
	messagesCmd.Flags().IntVar(&messagesLimit, "limit", 50, "Maximum messages to show")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchPurchase, "purchase", "", "Purchase transaction id")
	watchCmd.Flags().StringVar(&watchWith, "with", "", "Conversation partner user id")
	watchCmd.Flags().BoolVar(&watchMarkRead, "mark-read", true, "Mark received messages as read")
}

// ============================================================================
// chatsync send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <text>",
	Short: "Send a message in a transaction conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if sendPurchase == "" && sendTo == "" {
			return fmt.Errorf("either --purchase or --to is required")
		}
		cfg := mustConfig()
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		receipt, err := client.PostMessage(ctx, &chatsync.SendRequest{
			Content:    args[0],
			SenderID:   cfg.Auth.UserID,
			ReceiverID: sendTo,
			PurchaseID: sendPurchase,
		})
		if err != nil {
			return fmt.Errorf("send failed: %s", chatsync.HumanMessage(err))
		}
		fmt.Printf("Sent (message id %s)\n", receipt.MessageID)
		return nil
	},
}

// ============================================================================
// chatsync messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "List messages in a conversation",
	RunE: func(cmd *cobra.Command, args []string) error {
		if messagesPurchase == "" && messagesWith == "" {
			return fmt.Errorf("either --purchase or --with is required")
		}
		cfg := mustConfig()
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		conv, err := client.FetchMessages(ctx, &chatsync.FetchQuery{
			PurchaseID:       messagesPurchase,
			ConversationWith: messagesWith,
			Limit:            messagesLimit,
		})
		if err != nil {
			return fmt.Errorf("fetch failed: %s", chatsync.HumanMessage(err))
		}

		if messagesJSON {
			data, err := json.MarshalIndent(conv, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		for _, wm := range conv.Messages {
			m := wm.ToMessage(cfg.Auth.UserID)
			printMessage(m)
		}
		if len(conv.Messages) == 0 {
			fmt.Println("No messages.")
		}
		return nil
	},
}

// ============================================================================
// chatsync watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow a conversation live",
	Long:  "Open a live session on a conversation and print messages as they arrive.\nUses the push channel when available and falls back to polling.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if watchPurchase == "" && watchWith == "" {
			return fmt.Errorf("either --purchase or --with is required")
		}
		cfg := mustConfig()
		client := getClient()

		sessCfg := chatsync.SessionConfig{
			UserID:        cfg.Auth.UserID,
			OtherUserID:   watchWith,
			TransactionID: watchPurchase,
			Role:          roleFrom(cfg),
			PushEndpoint:  cfg.Default.PushURL,
		}
		if verbose {
			sessCfg.Logger = newLogger()
		}

		if path, err := historyPath(cfg); err == nil {
			if hist, err := chatsync.OpenHistory(path); err == nil {
				sessCfg.History = hist
				defer hist.Close()
			}
		}

		sess, err := chatsync.NewSession(client, sessCfg)
		if err != nil {
			return err
		}

		seen := make(map[string]bool)
		sess.OnChange(func(msgs []chatsync.Message) {
			for _, m := range msgs {
				key := m.Key()
				if key == "" || seen[key] {
					continue
				}
				seen[key] = true
				printMessage(m)
			}
		})
		sess.OnPeerTyping(func(userID string, typing bool) {
			if typing {
				fmt.Printf("-- user %s is typing --\n", userID)
			}
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := sess.Open(ctx); err != nil {
			return err
		}
		defer sess.Close()

		fmt.Printf("Watching conversation (transport: %s). Ctrl-C to stop.\n", sess.TransportState())

		if watchMarkRead {
			markCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			sess.MarkAsRead(markCtx)
			cancel()
		}

		<-ctx.Done()
		fmt.Println("\nStopping.")
		return nil
	},
}

func printMessage(m chatsync.Message) {
	direction := "<-"
	if m.IsMine {
		direction = "->"
	}
	marker := ""
	switch m.Status {
	case chatsync.StatusSending:
		marker = " (sending)"
	case chatsync.StatusFailed:
		marker = " (failed)"
	}
	ts := m.Timestamp.Local().Format("2006-01-02 15:04")
	fmt.Printf("[%s] %s %s%s\n", ts, direction, m.Text, marker)
}

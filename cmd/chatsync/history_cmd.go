package main

import (
	"fmt"

	"github.com/spf13/cobra"
	chatsync "github.com/ticketon/chatsync"
)

var (
	historyPurchase string
	historyLimit    int
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().StringVar(&historyPurchase, "purchase", "", "Purchase transaction id")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 100, "Maximum messages to show")
	historyCmd.MarkFlagRequired("purchase")
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Browse the local message archive",
	Long:  "Print archived messages for a conversation without contacting the server.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		path, err := historyPath(cfg)
		if err != nil {
			return err
		}
		hist, err := chatsync.OpenHistory(path)
		if err != nil {
			return fmt.Errorf("cannot open history: %w", err)
		}
		defer hist.Close()

		msgs, err := hist.Recent("purchase_"+historyPurchase, historyLimit)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			fmt.Println("No archived messages.")
			return nil
		}
		for _, m := range msgs {
			printMessage(m)
		}
		return nil
	},
}

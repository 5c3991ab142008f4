package main

import (
	"context"

	"github.com/spf13/cobra"
)

var epochCmd = &cobra.Command{
	Use:   "epoch",
	Short: "Inspect a conversation's epoch (key-rotation) history",
}

var epochHistoryCmd = &cobra.Command{
	Use:   "history <conversationId>",
	Short: "List every epoch a conversation has rotated through",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		history, err := svc.EpochHistory(context.Background(), args[0])
		if err != nil {
			return err
		}
		return printJSON(history)
	},
}

func init() {
	epochCmd.AddCommand(epochHistoryCmd)
}

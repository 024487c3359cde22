package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/sentinel-dpa/telegram-sentinel/internal/event"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Emit sample chat messages for local testing",
	Long: `Seed writes a handful of sample chat messages, some carrying indicators,
either as JSON lines (to --file, or stdout) or onto the inbound Redis stream
(--redis) so a listener can be exercised end to end.

Examples:
  telegram-sentinel seed --file ./incoming/sample.jsonl
  telegram-sentinel seed --redis`,
	RunE: runSeed,
}

var (
	seedFile  string
	seedRedis bool
)

func init() {
	rootCmd.AddCommand(seedCmd)

	seedCmd.Flags().StringVar(&seedFile, "file", "", "Append JSON lines to this file (default stdout)")
	seedCmd.Flags().BoolVar(&seedRedis, "redis", false, "Publish to the inbound Redis stream instead")
}

func sampleMessages() []event.Message {
	return []event.Message{
		{
			Text:         "New stealer panel up at http://185.220.101.4/panel/login.php grab it before it's gone",
			ChatTitle:    "Project_DPA",
			ChatUsername: "project_dpa",
			ChatID:       1987654321,
			ChatCategory: event.Channel,
			SenderID:     5551234,
		},
		{
			Text:         "C2 rotated again: 45.9.148.3 and 91.92.240.17, loopback 127.0.0.1 is just for testing",
			ChatTitle:    "Project_DPA",
			ChatID:       1987654321,
			ChatCategory: event.Channel,
			SenderID:     5551234,
		},
		{
			Text:         "anyone up for dinner tonight?",
			ChatTitle:    "Lounge",
			ChatID:       424242,
			ChatCategory: event.LegacyGroup,
			SenderID:     777,
		},
		{
			Text:         "🔥 CVE-2024-3400 PoC mirror https://github.com/example/poc and dump at https://pastebin.com/raw/abc123",
			ChatUsername: "leakwatch",
			ChatID:       1122334455,
			ChatCategory: event.Channel,
			SenderID:     9988,
		},
	}
}

func runSeed(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	msgs := sampleMessages()

	if seedRedis {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		b, err := a.bus(ctx)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if _, err := b.Publish(ctx, a.cfg.Redis.Stream, map[string]interface{}{
				"text":          m.Text,
				"chat_title":    m.ChatTitle,
				"chat_username": m.ChatUsername,
				"chat_id":       strconv.FormatInt(m.ChatID, 10),
				"chat_category": string(m.ChatCategory),
				"sender_id":     strconv.FormatInt(m.SenderID, 10),
			}, 0); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Published %d sample messages to %s\n", len(msgs), a.cfg.Redis.Stream)
		return nil
	}

	out := cmd.OutOrStdout()
	if seedFile != "" {
		f, err := os.OpenFile(seedFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open %s: %w", seedFile, err)
		}
		defer f.Close()
		out = f
	}
	enc := json.NewEncoder(out)
	for _, m := range msgs {
		if err := enc.Encode(m); err != nil {
			return err
		}
	}
	return nil
}

package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sentinel-dpa/telegram-sentinel/internal/store"
)

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:   "list [detections|stats|actions]",
	Short: "List archived detections and response actions",
	Long: `List reads the SQLite archive written when output.archive is enabled.

Examples:
  # Recent detections
  telegram-sentinel list detections --limit 10

  # Malicious detections of one indicator since a given time
  telegram-sentinel list detections --ioc 45.9.148.3 --malicious --since 2025-08-26T20:00:00Z

  # Archive summary
  telegram-sentinel list stats

  # Bans issued against one author
  telegram-sentinel list actions --author 4242`,
	Args: cobra.MaximumNArgs(1),
	RunE: runList,
}

var (
	listType      string
	listIOC       string
	listChat      int64
	listAuthor    int64
	listMalicious bool
	limit         int
	sinceStr      string
	purgeBefore   string
)

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringVar(&listType, "type", "detections", "What to list: detections, stats, actions")
	listCmd.Flags().StringVar(&listIOC, "ioc", "", "Only detections of this indicator")
	listCmd.Flags().Int64Var(&listChat, "chat-id", 0, "Only detections from this chat id")
	listCmd.Flags().Int64Var(&listAuthor, "author", 0, "Only response actions against this author id")
	listCmd.Flags().BoolVar(&listMalicious, "malicious", false, "Only detections at or above the malicious threshold")
	listCmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of items to show")
	listCmd.Flags().StringVar(&sinceStr, "since", "", "Filter detections since RFC3339 time, e.g. 2025-08-26T20:00:00Z")
	listCmd.Flags().StringVar(&purgeBefore, "purge-before", "", "Delete detections older than this RFC3339 time before listing")
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	st, err := a.store()
	if err != nil {
		return err
	}

	if purgeBefore != "" {
		cutoff, err := time.Parse(time.RFC3339, purgeBefore)
		if err != nil {
			return fmt.Errorf("invalid --purge-before value: %w", err)
		}
		n, err := st.PurgeBefore(ctx, cutoff)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Purged %d detections older than %s\n", n, cutoff.Format(time.RFC3339))
	}

	// Determine what to list from args or flags
	targetType := strings.ToLower(listType)
	if len(args) > 0 {
		targetType = strings.ToLower(args[0])
	}
	out := cmd.OutOrStdout()
	threshold := a.cfg.Reputation.Threshold

	switch targetType {
	case "detections", "events":
		f := store.DetectionFilter{IOC: listIOC, ChatID: listChat, Limit: limit}
		if listMalicious {
			f.MinMalicious = threshold
		}
		if sinceStr != "" {
			if f.Since, err = time.Parse(time.RFC3339, sinceStr); err != nil {
				return fmt.Errorf("invalid --since value: %w", err)
			}
		}
		return listDetections(ctx, out, st, f, threshold)
	case "stats":
		return showStats(ctx, out, st, threshold)
	case "actions":
		return listActions(ctx, out, st, listAuthor, limit)
	default:
		return fmt.Errorf("unknown list type: %s (use 'detections', 'stats' or 'actions')", targetType)
	}
}

func listDetections(ctx context.Context, out io.Writer, st *store.Store, f store.DetectionFilter, threshold int) error {
	dets, err := st.ListDetections(ctx, f)
	if err != nil {
		return fmt.Errorf("failed to list detections: %w", err)
	}
	if len(dets) == 0 {
		fmt.Fprintln(out, "No detections found.")
		return nil
	}

	fmt.Fprintf(out, "Showing %d detections:\n\n", len(dets))
	for i, d := range dets {
		verdict := "clean"
		if d.IsMalicious(threshold) {
			verdict = "MALICIOUS"
		}
		fmt.Fprintf(out, "%d. [%s] %s %s\n", i+1, verdict, strings.ToUpper(string(d.IOCType)), d.IOC)
		fmt.Fprintf(out, "   ID: %s\n", d.ID)
		fmt.Fprintf(out, "   Time: %s\n", d.Timestamp.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(out, "   Chat: %s (%d)\n", d.SourceChat, d.ChatID)
		fmt.Fprintf(out, "   Author: %d\n", d.AuthorID)
		fmt.Fprintf(out, "   Votes: %d/%d\n", d.VirusTotal.Malicious, d.VirusTotal.TotalEngines)
		if d.VirusTotal.Permalink != "" {
			fmt.Fprintf(out, "   Report: %s\n", d.VirusTotal.Permalink)
		}
		if d.AIClassification != nil {
			fmt.Fprintf(out, "   Relevance: %.2f\n", d.AIClassification.CyberScore)
		}
		fmt.Fprintf(out, "   Message: %s\n\n", d.MessageSnippet)
	}
	return nil
}

func showStats(ctx context.Context, out io.Writer, st *store.Store, threshold int) error {
	s, err := st.Stats(ctx, threshold)
	if err != nil {
		return fmt.Errorf("failed to read stats: %w", err)
	}
	fmt.Fprintf(out, "Detections:     %d\n", s.Total)
	fmt.Fprintf(out, "Malicious:      %d (threshold %d)\n", s.Malicious, threshold)
	fmt.Fprintf(out, "Distinct IoCs:  %d\n", s.DistinctIOCs)
	if !s.Latest.IsZero() {
		fmt.Fprintf(out, "Latest:         %s\n", s.Latest.Format(time.RFC3339))
	}
	return nil
}

func listActions(ctx context.Context, out io.Writer, st *store.Store, author int64, limit int) error {
	actions, err := st.ListResponseActions(ctx, author, limit)
	if err != nil {
		return err
	}
	if len(actions) == 0 {
		fmt.Fprintln(out, "No response actions found.")
		return nil
	}
	for i, a := range actions {
		fmt.Fprintf(out, "%d. [%s] %s author=%d chat=%d ioc=%s at %s\n",
			i+1, strings.ToUpper(a.Status), a.Action, a.AuthorID, a.ChatID, a.IOC, a.CreatedAt.Format("2006-01-02 15:04:05"))
		for k, v := range a.Details {
			fmt.Fprintf(out, "   %s: %s\n", k, v)
		}
	}
	return nil
}

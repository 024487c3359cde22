package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/sentinel-dpa/telegram-sentinel/internal/ioc"
	"github.com/sentinel-dpa/telegram-sentinel/internal/reputation"
)

var lookupCmd = &cobra.Command{
	Use:   "lookup <ip|url>...",
	Short: "Query the reputation of individual indicators",
	Long: `Lookup classifies each argument as an IPv4 address or URL and prints its
reputation verdict. With --archive the latest archived verdict is printed
instead and no API quota is spent.

Examples:
  telegram-sentinel lookup 45.9.148.3 http://bad.example/x
  telegram-sentinel lookup --archive 45.9.148.3`,
	Args: cobra.MinimumNArgs(1),
	RunE: runLookup,
}

var (
	lookupArchive bool
	lookupJSON    bool
)

func init() {
	rootCmd.AddCommand(lookupCmd)

	lookupCmd.Flags().BoolVar(&lookupArchive, "archive", false, "Read the verdict from the SQLite archive")
	lookupCmd.Flags().BoolVar(&lookupJSON, "json", false, "Print results as JSON lines")
}

type lookupRow struct {
	IOC        string             `json:"ioc"`
	Type       ioc.Kind           `json:"ioc_type"`
	Result     *reputation.Result `json:"virustotal,omitempty"`
	Malicious  bool               `json:"is_malicious"`
	ObservedAt *time.Time         `json:"observed_at,omitempty"`
	Error      string             `json:"error,omitempty"`
}

func runLookup(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	var svc *reputation.Service
	if !lookupArchive {
		if svc, err = a.reputation(); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	threshold := a.cfg.Reputation.Threshold
	var failed int
	for _, value := range args {
		kind, ok := ioc.KindOf(value)
		if !ok {
			failed++
			printLookup(out, lookupRow{IOC: value, Error: "not an IPv4 address or http(s) URL"})
			continue
		}
		row := lookupRow{IOC: value, Type: kind}

		if lookupArchive {
			st, err := a.store()
			if err != nil {
				return err
			}
			res, at, found, err := st.LatestVerdict(ctx, value)
			switch {
			case err != nil:
				return err
			case !found:
				row.Error = "not in archive"
			default:
				row.Result, row.ObservedAt = &res, &at
				row.Malicious = res.IsMalicious(threshold)
			}
			printLookup(out, row)
			continue
		}

		res, err := svc.Check(ctx, ioc.Indicator{Kind: kind, Value: value})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failed++
			if errors.Is(err, reputation.ErrQuotaExceeded) {
				row.Error = "quota exceeded"
			} else {
				row.Error = err.Error()
			}
		} else {
			row.Result = &res
			row.Malicious = res.IsMalicious(threshold)
		}
		printLookup(out, row)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d lookups failed", failed, len(args))
	}
	return nil
}

func printLookup(out io.Writer, row lookupRow) {
	if lookupJSON {
		b, _ := json.Marshal(row)
		fmt.Fprintln(out, string(b))
		return
	}
	switch {
	case row.Error != "":
		fmt.Fprintf(out, "%-40s error: %s\n", row.IOC, row.Error)
	case row.Result.IsUnknown():
		fmt.Fprintf(out, "%-40s unknown (treated as clean)\n", row.IOC)
	default:
		verdict := "clean"
		if row.Malicious {
			verdict = "MALICIOUS"
		}
		fmt.Fprintf(out, "%-40s %-9s %d/%d  %s\n", row.IOC, verdict, row.Result.Malicious, row.Result.TotalEngines, row.Result.Permalink)
	}
}

package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sentinel-dpa/telegram-sentinel/internal/ioc"
	"github.com/sentinel-dpa/telegram-sentinel/internal/relevance"
)

var extractCmd = &cobra.Command{
	Use:   "extract [text...]",
	Short: "Print the indicators found in a piece of text",
	Long: `Extract runs the indicator extractor offline, without any reputation lookup.
Text comes from the arguments or, when none are given, from stdin.

Examples:
  telegram-sentinel extract "payload at http://bad.example/x from 45.9.148.3"
  cat message.txt | telegram-sentinel extract --json`,
	RunE: runExtract,
}

var (
	extractJSON bool
	extractMask bool
)

func init() {
	rootCmd.AddCommand(extractCmd)

	extractCmd.Flags().BoolVar(&extractJSON, "json", false, "Print indicators as a JSON array")
	extractCmd.Flags().BoolVar(&extractMask, "masked", false, "Also print the text as the relevance gate sees it")
}

func runExtract(cmd *cobra.Command, args []string) error {
	text := strings.Join(args, " ")
	if len(args) == 0 {
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		text = string(b)
	}

	out := cmd.OutOrStdout()
	indicators := ioc.Extract(text)

	if extractJSON {
		if indicators == nil {
			indicators = []ioc.Indicator{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(indicators)
	}

	if extractMask {
		fmt.Fprintf(out, "masked: %s\n", relevance.CleanAndMask(text))
	}
	if len(indicators) == 0 {
		fmt.Fprintln(out, "No indicators found.")
		return nil
	}
	for _, ind := range indicators {
		fmt.Fprintf(out, "%-4s %s\n", ind.Kind, ind.Value)
	}
	return nil
}

package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var (
	confirmReset bool
	resetRedis   bool
	resetDB      bool
)

// resetCmd represents the reset command
var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the sentinel's Redis streams and/or SQLite archive",
	Long: `Reset deletes the inbound message stream (redis.stream), the detection
stream (output.redis_stream) and the SQLite archive (store.path).

By default both Redis streams and the archive are removed. Other keys in the
Redis database are left alone.

WARNING: This operation is irreversible.

Examples:
  # Reset everything (requires confirmation)
  telegram-sentinel reset

  # Reset without prompting
  telegram-sentinel reset --yes

  # Only drop the Redis streams
  telegram-sentinel reset --redis-only`,
	RunE: runReset,
}

func init() {
	rootCmd.AddCommand(resetCmd)

	resetCmd.Flags().BoolVarP(&confirmReset, "yes", "y", false, "Automatically confirm reset operation")
	resetCmd.Flags().BoolVar(&resetRedis, "redis-only", false, "Reset only the Redis streams")
	resetCmd.Flags().BoolVar(&resetDB, "db-only", false, "Reset only the SQLite archive")
}

func runReset(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	doRedis, doDB := resetRedis, resetDB
	if !doRedis && !doDB {
		doRedis, doDB = true, true
	}

	var targets []string
	streams := resetStreams(a)
	if doRedis {
		targets = append(targets, "Redis streams "+strings.Join(streams, ", "))
	}
	if doDB {
		targets = append(targets, "SQLite archive "+a.cfg.Store.Path)
	}
	fmt.Fprintf(out, "This will permanently delete: %s\n", strings.Join(targets, " and "))

	if !confirmReset {
		fmt.Fprint(out, "Are you sure you want to continue? (y/N): ")
		response, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		response = strings.ToLower(strings.TrimSpace(response))
		if response != "y" && response != "yes" {
			fmt.Fprintln(out, "Reset operation cancelled.")
			return nil
		}
	}

	if doRedis {
		n, err := resetRedisStreams(ctx, a, streams)
		if err != nil {
			if !doDB {
				return fmt.Errorf("failed to reset Redis streams: %w", err)
			}
			fmt.Fprintf(out, "Warning: failed to reset Redis streams: %v\n", err)
		} else {
			fmt.Fprintf(out, "✓ Deleted %d Redis streams\n", n)
		}
	}

	if doDB {
		removed, err := removeArchive(a.cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("failed to reset archive: %w", err)
		}
		if len(removed) == 0 {
			fmt.Fprintln(out, "No archive files found to remove")
		} else {
			fmt.Fprintf(out, "✓ Removed archive files: %s\n", strings.Join(removed, ", "))
		}
	}

	fmt.Fprintln(out, "Reset operation completed successfully!")
	return nil
}

func resetStreams(a *app) []string {
	streams := []string{a.cfg.Redis.Stream}
	if s := a.cfg.Output.RedisStream; s != "" && s != a.cfg.Redis.Stream {
		streams = append(streams, s)
	}
	return streams
}

func resetRedisStreams(ctx context.Context, a *app, streams []string) (int64, error) {
	b, err := a.bus(ctx)
	if err != nil {
		return 0, err
	}
	return b.DeleteStreams(ctx, streams...)
}

// removeArchive deletes the SQLite file with its WAL companions.
func removeArchive(dbPath string) ([]string, error) {
	var removed []string
	for _, file := range []string{dbPath, dbPath + "-shm", dbPath + "-wal"} {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := os.Remove(file); err != nil {
			return removed, fmt.Errorf("failed to remove %s: %w", file, err)
		}
		removed = append(removed, filepath.Base(file))
	}
	return removed, nil
}

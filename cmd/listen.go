package cmd

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/spf13/cobra"

	"github.com/sentinel-dpa/telegram-sentinel/internal/event"
	"github.com/sentinel-dpa/telegram-sentinel/internal/pipeline"
	"github.com/sentinel-dpa/telegram-sentinel/internal/source"
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Run the extraction and enrichment pipeline over incoming messages",
	Long: `Listen reads chat messages from a source, extracts indicators, enriches
them through the reputation service and writes one detection per indicator.

Sources:
  file   JSON lines from --input (a file, a directory of *.jsonl, or - for stdin)
  redis  consumer group on the redis.stream Redis stream
  http   POST /messages on --http-bind

Examples:
  # Enrich a one-off export
  telegram-sentinel listen --input export.jsonl

  # Follow a collector's output directory
  telegram-sentinel listen --input ./incoming --watch --tail-from-end

  # Consume from Redis and fan detections out to NATS as well
  telegram-sentinel listen --source redis --nats-subject sentinel.detections`,
	PreRunE: bindPipelineFlags,
	RunE:    runListen,
}

var (
	listenSource   string
	listenInput    string
	listenWatch    bool
	listenFromEnd  bool
	listenHTTPBind string
	listenHTTPTok  string
	listenHTTPRPS  int
)

func init() {
	rootCmd.AddCommand(listenCmd)

	listenCmd.Flags().StringVar(&listenSource, "source", "file", "Message source: file, redis, http")
	listenCmd.Flags().StringVar(&listenInput, "input", "-", "File source path (file, directory or - for stdin)")
	listenCmd.Flags().BoolVar(&listenWatch, "watch", false, "Keep following the input for appended lines")
	listenCmd.Flags().BoolVar(&listenFromEnd, "tail-from-end", false, "In watch mode, skip lines already present at startup")
	listenCmd.Flags().StringVar(&listenHTTPBind, "http-bind", "127.0.0.1:8090", "Bind address of the http source")
	listenCmd.Flags().StringVar(&listenHTTPTok, "http-token", "", "Bearer token required by the http source")
	listenCmd.Flags().IntVar(&listenHTTPRPS, "http-rps", 10, "Max requests per second accepted by the http source")

	addPipelineFlags(listenCmd)
}

func runListen(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	p, err := a.pipeline(ctx)
	if err != nil {
		return err
	}
	src, err := buildSource(ctx, a)
	if err != nil {
		return err
	}

	a.background(ctx)
	stats := &runStats{}
	a.logger.Infow("listening", "source", src.Name())

	err = src.Run(ctx, stats.handler(p))
	a.logger.Infow("listener stopped",
		"messages", stats.messages.Load(),
		"events", stats.events.Load(),
		"malicious", stats.malicious.Load(),
		"skipped", stats.skipped.Load())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func buildSource(ctx context.Context, a *app) (source.Source, error) {
	switch listenSource {
	case "file", "":
		return source.NewFileSource(source.FileOptions{
			Path:        listenInput,
			Watch:       listenWatch,
			TailFromEnd: listenFromEnd,
			Logger:      a.logger,
		}), nil
	case "redis":
		b, err := a.bus(ctx)
		if err != nil {
			return nil, err
		}
		rc := a.cfg.Redis
		return source.NewRedisSource(b, rc.Stream, rc.Group, rc.Consumer, a.logger), nil
	case "http":
		return source.NewHTTPSource(source.HTTPOptions{
			Bind:   listenHTTPBind,
			Token:  listenHTTPTok,
			RPS:    listenHTTPRPS,
			Logger: a.logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown source %q (want file, redis or http)", listenSource)
	}
}

// runStats totals pipeline outcomes across a run.
type runStats struct {
	messages  atomic.Int64
	events    atomic.Int64
	malicious atomic.Int64
	skipped   atomic.Int64
}

func (s *runStats) handler(p *pipeline.Pipeline) source.Handler {
	return func(ctx context.Context, msg event.Message) error {
		out, err := p.Handle(ctx, msg)
		s.messages.Add(1)
		s.events.Add(int64(out.Events))
		s.malicious.Add(int64(out.Malicious))
		s.skipped.Add(int64(out.Skipped))
		return err
	}
}

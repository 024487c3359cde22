package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/sentinel-dpa/telegram-sentinel/internal/bus"
	"github.com/sentinel-dpa/telegram-sentinel/internal/config"
	"github.com/sentinel-dpa/telegram-sentinel/internal/metrics"
	"github.com/sentinel-dpa/telegram-sentinel/internal/pipeline"
	"github.com/sentinel-dpa/telegram-sentinel/internal/relevance"
	"github.com/sentinel-dpa/telegram-sentinel/internal/reputation"
	"github.com/sentinel-dpa/telegram-sentinel/internal/sink"
	"github.com/sentinel-dpa/telegram-sentinel/internal/store"
)

// pipelineFlags maps the flags shared by pipeline commands to config keys.
var pipelineFlags = map[string]string{
	"target-chats": "telegram.target_chats",
	"output":       "output.path",
	"redis-stream": "output.redis_stream",
	"nats-subject": "output.nats_subject",
	"archive":      "output.archive",
	"relevance":    "relevance.enabled",
	"metrics-addr": "metrics.addr",
}

func addPipelineFlags(cmd *cobra.Command) {
	cmd.Flags().StringSlice("target-chats", nil, "Only handle these chats (title, username or id)")
	cmd.Flags().String("output", "", "Detection log path")
	cmd.Flags().String("redis-stream", "", "Also publish detections to this Redis stream")
	cmd.Flags().String("nats-subject", "", "Also publish detections to this NATS subject")
	cmd.Flags().Bool("archive", false, "Also archive detections in the SQLite store")
	cmd.Flags().Bool("relevance", false, "Enable the relevance gate")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address")
}

// bindPipelineFlags binds at run time; commands sharing a key would
// otherwise replace each other's binding.
func bindPipelineFlags(cmd *cobra.Command, _ []string) error {
	for name, key := range pipelineFlags {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return err
		}
	}
	return nil
}

// app holds the components shared by the commands. Connections are opened
// on first use and released by close in reverse order.
type app struct {
	cfg    *config.Config
	logger *zap.SugaredLogger

	st      *store.Store
	redis   *bus.RedisBus
	cache   *reputation.Cache
	closers []func()
}

func newApp() (*app, error) {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logger}, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	_ = a.logger.Sync()
}

func (a *app) store() (*store.Store, error) {
	if a.st != nil {
		return a.st, nil
	}
	st, err := store.NewStore(a.cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	a.st = st
	a.closers = append(a.closers, func() { _ = st.Close() })
	return st, nil
}

func (a *app) bus(ctx context.Context) (*bus.RedisBus, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	b, err := bus.NewRedisBus(ctx, a.cfg.Redis.URL, a.logger)
	if err != nil {
		return nil, err
	}
	a.redis = b
	a.closers = append(a.closers, func() { _ = b.Close() })
	return b, nil
}

// reputation builds the cached, paced reputation service.
func (a *app) reputation() (*reputation.Service, error) {
	if err := a.cfg.RequireAPIKey(); err != nil {
		return nil, err
	}
	rc := a.cfg.Reputation
	provider, err := reputation.NewProvider(rc.Provider, reputation.ClientOptions{
		BaseURL: rc.BaseURL,
		APIKey:  rc.APIKey,
		Timeout: rc.Timeout,
	})
	if err != nil {
		return nil, err
	}
	cache, err := reputation.NewCache(reputation.CacheOptions{
		Retention:  a.cfg.Cache.Retention,
		MaxEntries: a.cfg.Cache.MaxEntries,
	})
	if err != nil {
		return nil, err
	}
	a.cache = cache
	return reputation.NewService(provider, cache, reputation.ServiceOptions{
		Pacing: rc.Pacing,
		Logger: a.logger,
	}), nil
}

// gate returns nil when the relevance gate is disabled.
func (a *app) gate(ctx context.Context) (*relevance.Gate, error) {
	rc := a.cfg.Relevance
	if !rc.Enabled {
		return nil, nil
	}
	scorer, err := relevance.Build(relevance.Config{
		Scorer:   rc.Scorer,
		Endpoint: rc.Endpoint,
		Model:    rc.Model,
		APIKey:   rc.APIKey,
		Timeout:  rc.Timeout,
	})
	if err != nil {
		return nil, err
	}
	hctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := relevance.HealthCheck(hctx, scorer); err != nil {
		// Scoring failures drop messages, so keep going but say so loudly.
		a.logger.Warnw("relevance scorer not answering", "scorer", scorer.Name(), "error", err)
	}
	a.logger.Infow("relevance gate enabled", "scorer", scorer.Name(), "threshold", rc.Threshold)
	return &relevance.Gate{Scorer: scorer, Threshold: rc.Threshold, Logger: a.logger}, nil
}

// sinks assembles every configured detection sink.
func (a *app) sinks(ctx context.Context) (sink.Sink, error) {
	var out sink.Multi
	oc := a.cfg.Output

	if oc.Path != "" {
		fs := sink.NewFileSink(oc.Path)
		if err := fs.Ensure(); err != nil {
			return nil, err
		}
		a.logger.Infow("writing detections", "path", fs.Path())
		out = append(out, fs)
	}
	if oc.RedisStream != "" {
		b, err := a.bus(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, sink.NewRedisStreamSink(b, oc.RedisStream, 0))
	}
	if oc.NATSSubject != "" {
		conn, err := sink.ConnectNATS(a.cfg.NATS.URL, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = conn.Drain() })
		out = append(out, sink.NewNATSSink(conn, oc.NATSSubject))
	}
	if oc.Archive {
		st, err := a.store()
		if err != nil {
			return nil, err
		}
		out = append(out, sink.NewStoreSink(st))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no detection sink configured (set output.path, output.redis_stream, output.nats_subject or output.archive)")
	}
	return out, nil
}

func (a *app) pipeline(ctx context.Context) (*pipeline.Pipeline, error) {
	svc, err := a.reputation()
	if err != nil {
		return nil, err
	}
	s, err := a.sinks(ctx)
	if err != nil {
		return nil, err
	}
	gate, err := a.gate(ctx)
	if err != nil {
		return nil, err
	}
	opts := []pipeline.Option{pipeline.WithLogger(a.logger)}
	if gate != nil {
		opts = append(opts, pipeline.WithGate(gate))
	}
	p := pipeline.New(pipeline.Config{
		Threshold:   a.cfg.Reputation.Threshold,
		TargetChats: a.cfg.Telegram.TargetChats,
	}, svc, s, opts...)

	a.logger.Infow("pipeline ready",
		"provider", svc.Provider().Name(),
		"threshold", p.Threshold(),
		"targets", a.cfg.Telegram.TargetChats,
		"cache_retention", a.cache.Retention().String())
	return p, nil
}

// background starts the metrics endpoint and cache compaction.
func (a *app) background(ctx context.Context) {
	if addr := a.cfg.Metrics.Addr; addr != "" {
		go func() {
			if err := metrics.Serve(ctx, addr, a.logger); err != nil {
				a.logger.Errorw("metrics server failed", "error", err)
			}
		}()
	}
	if a.cache != nil && a.cfg.Cache.CompactEvery > 0 {
		go func() {
			ticker := time.NewTicker(a.cfg.Cache.CompactEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case now := <-ticker.C:
					if n := a.cache.Compact(now); n > 0 {
						a.logger.Debugw("cache compacted", "removed", n, "remaining", a.cache.Len())
					}
				}
			}
		}()
	}
}

package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sentinel-dpa/telegram-sentinel/internal/source"
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Replay archived chat messages from MongoDB through the pipeline",
	Long: `Backfill reads the collector's MongoDB archive: the entities collection maps
each chat to the collection holding its messages. Every archived message runs
through the same pipeline as live traffic.

Examples:
  # Replay the latest 1000 messages of every archived chat
  telegram-sentinel backfill --mongo-db telegram

  # Replay two chats only, without a per-chat limit
  telegram-sentinel backfill --mongo-db telegram --chats leakchan,dumps --limit -1`,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		if err := bindPipelineFlags(cmd, args); err != nil {
			return err
		}
		for flag, key := range map[string]string{
			"mongo-uri": "mongo.uri",
			"mongo-db":  "mongo.database",
			"entities":  "mongo.entities",
			"limit":     "mongo.limit",
		} {
			if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
				return err
			}
		}
		return nil
	},
	RunE: runBackfill,
}

var backfillChats []string

func init() {
	rootCmd.AddCommand(backfillCmd)

	backfillCmd.Flags().String("mongo-uri", "mongodb://localhost:27017", "MongoDB connection URI")
	backfillCmd.Flags().String("mongo-db", "", "Database holding the archive")
	backfillCmd.Flags().String("entities", "entities", "Collection describing the archived chats")
	backfillCmd.Flags().Int64("limit", 1000, "Messages per chat (-1 for all)")
	backfillCmd.Flags().StringSliceVar(&backfillChats, "chats", nil, "Only replay these chat collections")
	addPipelineFlags(backfillCmd)
}

func runBackfill(cmd *cobra.Command, args []string) error {
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

	mc := a.cfg.Mongo
	src, err := source.NewMongoSource(ctx, source.MongoOptions{
		URI:      mc.URI,
		Database: mc.Database,
		Entities: mc.Entities,
		Limit:    mc.Limit,
		Chats:    backfillChats,
		Logger:   a.logger,
	})
	if err != nil {
		return err
	}
	defer src.Close(context.Background())

	a.background(ctx)
	stats := &runStats{}
	err = src.Run(ctx, stats.handler(p))
	a.logger.Infow("backfill finished",
		"messages", stats.messages.Load(),
		"events", stats.events.Load(),
		"malicious", stats.malicious.Load(),
		"skipped", stats.skipped.Load())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

package source

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/sentinel-dpa/telegram-sentinel/internal/event"
)

const (
	DefaultEntitiesCollection = "entities"
	DefaultBackfillLimit      = 1000
)

// MongoOptions configures a backfill over a collector's MongoDB archive.
type MongoOptions struct {
	URI      string
	Database string
	// Entities names the collection describing each archived chat.
	Entities string
	// Limit caps the messages read per chat collection. Zero means
	// DefaultBackfillLimit, negative means no limit.
	Limit int64
	// Chats restricts the backfill to these message collections.
	Chats  []string
	Logger *zap.SugaredLogger
}

// Chat describes one archived chat and the collection holding its messages.
type Chat struct {
	Collection string
	ID         int64
	Title      string
	Username   string
	Category   event.ChatCategory
}

// MongoSource replays archived messages. Each chat has its own collection of
// message documents; an entities collection maps collection names to chats.
type MongoSource struct {
	client *mongo.Client
	db     *mongo.Database
	opts   MongoOptions
	logger *zap.SugaredLogger
}

// NewMongoSource connects to MongoDB and verifies the connection.
func NewMongoSource(ctx context.Context, opts MongoOptions) (*MongoSource, error) {
	if opts.Database == "" {
		return nil, fmt.Errorf("mongo database is required")
	}
	if opts.Entities == "" {
		opts.Entities = DefaultEntitiesCollection
	}
	if opts.Limit == 0 {
		opts.Limit = DefaultBackfillLimit
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(cctx, options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(cctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &MongoSource{
		client: client,
		db:     client.Database(opts.Database),
		opts:   opts,
		logger: opts.Logger.Named("mongo-source"),
	}, nil
}

func (ms *MongoSource) Name() string { return "mongo" }

// Close disconnects from MongoDB.
func (ms *MongoSource) Close(ctx context.Context) error {
	return ms.client.Disconnect(ctx)
}

// Chats lists the archived chats, honoring MongoOptions.Chats.
func (ms *MongoSource) Chats(ctx context.Context) ([]Chat, error) {
	filter := bson.M{}
	if len(ms.opts.Chats) > 0 {
		filter["collection_name"] = bson.M{"$in": ms.opts.Chats}
	}
	cur, err := ms.db.Collection(ms.opts.Entities).Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "collection_name", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find entities: %w", err)
	}
	defer cur.Close(ctx)

	var chats []Chat
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			ms.logger.Warnw("bad entity document", "error", err)
			continue
		}
		if c, ok := ChatFromEntity(doc); ok {
			chats = append(chats, c)
		}
	}
	return chats, cur.Err()
}

// Run replays every chat's messages through h, oldest first.
func (ms *MongoSource) Run(ctx context.Context, h Handler) error {
	chats, err := ms.Chats(ctx)
	if err != nil {
		return err
	}
	ms.logger.Infow("backfill starting", "chats", len(chats), "limit", ms.opts.Limit)

	for _, c := range chats {
		n, err := ms.replay(ctx, c, h)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			ms.logger.Warnw("chat replay failed", "collection", c.Collection, "error", err)
			continue
		}
		ms.logger.Infow("chat replayed", "collection", c.Collection, "title", c.Title, "messages", n)
	}
	return nil
}

func (ms *MongoSource) replay(ctx context.Context, c Chat, h Handler) (int, error) {
	opts := options.Find().SetSort(bson.D{{Key: "id", Value: 1}})
	if ms.opts.Limit > 0 {
		opts.SetLimit(ms.opts.Limit)
	}
	cur, err := ms.db.Collection(c.Collection).Find(ctx, bson.M{"message": bson.M{"$type": "string", "$ne": ""}}, opts)
	if err != nil {
		return 0, err
	}
	defer cur.Close(ctx)

	n := 0
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			ms.logger.Warnw("bad message document", "collection", c.Collection, "error", err)
			continue
		}
		msg, ok := MessageFromDocument(c, doc)
		if !ok {
			continue
		}
		if err := h(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return n, ctx.Err()
			}
			ms.logger.Warnw("handler failed", "collection", c.Collection, "error", err)
			continue
		}
		n++
	}
	return n, cur.Err()
}

// ChatFromEntity reads an entities document. Both the flat layout
// (chat_name, username) and the full_entity layout holding the raw chat
// object are understood.
func ChatFromEntity(doc bson.M) (Chat, bool) {
	c := Chat{
		Collection: stringField(doc, "collection_name"),
		Username:   stringField(doc, "username"),
		Title:      stringField(doc, "chat_name"),
		Category:   event.Channel,
	}
	if c.Collection == "" {
		return Chat{}, false
	}
	c.ID, _ = intField(doc, "id")

	if full, ok := document(doc["full_entity"]); ok {
		if chats, ok := full["chats"].(primitive.A); ok && len(chats) > 0 {
			if raw, ok := document(chats[0]); ok {
				if t := stringField(raw, "title"); t != "" {
					c.Title = t
				}
				if c.Username == "" {
					c.Username = stringField(raw, "username")
				}
				if c.ID == 0 {
					c.ID, _ = intField(raw, "id")
				}
				if stringField(raw, "_") == "Chat" {
					c.Category = event.LegacyGroup
				}
			}
		}
	}
	if cat := stringField(doc, "chat_category"); cat != "" {
		if parsed, err := event.ParseChatCategory(cat); err == nil {
			c.Category = parsed
		}
	}
	return c, true
}

// MessageFromDocument converts one archived message document.
func MessageFromDocument(c Chat, doc bson.M) (event.Message, bool) {
	text := stringField(doc, "message")
	if text == "" {
		return event.Message{}, false
	}
	var sender int64
	if from, ok := document(doc["from_id"]); ok {
		sender, _ = intField(from, "user_id")
	}
	return event.Message{
		Text:         text,
		ChatTitle:    c.Title,
		ChatUsername: c.Username,
		ChatID:       c.ID,
		ChatCategory: c.Category,
		SenderID:     sender,
	}, true
}

func document(v interface{}) (bson.M, bool) {
	switch d := v.(type) {
	case bson.M:
		return d, true
	case map[string]interface{}:
		return bson.M(d), true
	case bson.D:
		return d.Map(), true
	}
	return nil, false
}

func stringField(doc bson.M, key string) string {
	s, _ := doc[key].(string)
	return s
}

func intField(doc bson.M, key string) (int64, bool) {
	switch v := doc[key].(type) {
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}

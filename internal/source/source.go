// Package source feeds inbound chat messages to a handler. Sources never
// talk to Telegram directly; a collector writes messages to a file, a Redis
// stream or MongoDB and the sources read them from there.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sentinel-dpa/telegram-sentinel/internal/event"
)

// Handler processes one message. A returned context error stops the source;
// any other error is logged and the source moves on.
type Handler func(ctx context.Context, msg event.Message) error

// Source delivers messages until its input is exhausted or ctx ends.
type Source interface {
	Name() string
	Run(ctx context.Context, h Handler) error
}

var (
	_ Source = (*FileSource)(nil)
	_ Source = (*RedisSource)(nil)
	_ Source = (*MongoSource)(nil)
	_ Source = (*HTTPSource)(nil)
)

// ErrSkip marks an input record that does not describe a usable message.
var ErrSkip = errors.New("record skipped")

// wireMessage accepts ids as JSON numbers or numeric strings.
type wireMessage struct {
	Text         string          `json:"text"`
	Message      string          `json:"message"`
	ChatTitle    string          `json:"chat_title"`
	ChatUsername string          `json:"chat_username"`
	ChatID       json.RawMessage `json:"chat_id"`
	ChatCategory string          `json:"chat_category"`
	SenderID     json.RawMessage `json:"sender_id"`
}

// DecodeMessage parses one JSON message record. "message" is accepted as an
// alias of "text".
func DecodeMessage(raw []byte) (event.Message, error) {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return event.Message{}, fmt.Errorf("decode message: %w", err)
	}
	chatID, err := rawInt(w.ChatID)
	if err != nil {
		return event.Message{}, fmt.Errorf("chat_id: %w", err)
	}
	senderID, err := rawInt(w.SenderID)
	if err != nil {
		return event.Message{}, fmt.Errorf("sender_id: %w", err)
	}
	text := w.Text
	if text == "" {
		text = w.Message
	}
	return buildMessage(text, w.ChatTitle, w.ChatUsername, w.ChatCategory, chatID, senderID)
}

// MessageFromFields converts a Redis stream entry.
func MessageFromFields(f map[string]string) (event.Message, error) {
	chatID, err := parseInt(f["chat_id"])
	if err != nil {
		return event.Message{}, fmt.Errorf("chat_id: %w", err)
	}
	senderID, err := parseInt(f["sender_id"])
	if err != nil {
		return event.Message{}, fmt.Errorf("sender_id: %w", err)
	}
	return buildMessage(f["text"], f["chat_title"], f["chat_username"], f["chat_category"], chatID, senderID)
}

func buildMessage(text, title, username, category string, chatID, senderID int64) (event.Message, error) {
	if strings.TrimSpace(text) == "" {
		return event.Message{}, fmt.Errorf("%w: empty text", ErrSkip)
	}
	cat, err := event.ParseChatCategory(category)
	if err != nil {
		return event.Message{}, err
	}
	return event.Message{
		Text:         text,
		ChatTitle:    title,
		ChatUsername: username,
		ChatID:       chatID,
		ChatCategory: cat,
		SenderID:     senderID,
	}, nil
}

func rawInt(raw json.RawMessage) (int64, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return 0, nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return 0, err
		}
		return parseInt(str)
	}
	return parseInt(s)
}

func parseInt(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

// Package event turns an enriched indicator into the detection record that
// downstream consumers (the SIEM and the active-response script) read.
package event

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sentinel-dpa/telegram-sentinel/internal/ioc"
	"github.com/sentinel-dpa/telegram-sentinel/internal/reputation"
)

// IntegrationSource tags every record written by this system.
const IntegrationSource = "telegram_sentinel"

// SnippetLength is the number of characters of message text kept in a record.
const SnippetLength = 50

// ChatCategory selects the chat id numbering convention.
type ChatCategory string

const (
	Channel     ChatCategory = "channel"
	LegacyGroup ChatCategory = "group"
	Private     ChatCategory = "private"
)

// ParseChatCategory accepts the category names used by message collectors.
// Supergroups are channels on the Telegram side and share their numbering.
func ParseChatCategory(s string) (ChatCategory, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "channel", "supergroup", "megagroup", "broadcast":
		return Channel, nil
	case "group", "chat", "legacy_group", "legacygroup":
		return LegacyGroup, nil
	case "private", "user", "dm", "":
		return Private, nil
	default:
		return "", fmt.Errorf("unknown chat category %q", s)
	}
}

// Message is one inbound chat message as delivered by a source.
type Message struct {
	Text         string       `json:"text"`
	ChatTitle    string       `json:"chat_title"`
	ChatUsername string       `json:"chat_username,omitempty"`
	ChatID       int64        `json:"chat_id"`
	ChatCategory ChatCategory `json:"chat_category"`
	SenderID     int64        `json:"sender_id"`
}

// SourceName is the human label used for the record's source_chat field.
func (m Message) SourceName() string {
	switch {
	case m.ChatTitle != "":
		return m.ChatTitle
	case m.ChatUsername != "":
		return m.ChatUsername
	default:
		return strconv.FormatInt(m.ChatID, 10)
	}
}

// TranslateChatID maps a raw transport chat id to the Bot API convention.
// Channels get "-100" prepended to the decimal id, legacy groups are negated
// and private chats keep the raw id. Ids that already carry the negative
// marker are returned unchanged so the translation is applied at most once.
func TranslateChatID(cat ChatCategory, raw int64) (int64, error) {
	switch cat {
	case Channel:
		if raw < 0 {
			return raw, nil
		}
		id, err := strconv.ParseInt("-100"+strconv.FormatInt(raw, 10), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("translate channel id %d: %w", raw, err)
		}
		return id, nil
	case LegacyGroup:
		if raw < 0 {
			return raw, nil
		}
		return -raw, nil
	case Private:
		return raw, nil
	default:
		return 0, fmt.Errorf("unknown chat category %q", cat)
	}
}

// AIClassification is attached when a relevance gate admitted the message.
type AIClassification struct {
	CyberScore float64 `json:"cyber_score"`
	IsRelevant bool    `json:"is_relevant"`
}

// DetectionEvent is one NDJSON record: a single indicator from a single
// message with its reputation verdict. The malicious flag is not stored;
// consumers recompute it from VirusTotal.Malicious and their threshold.
type DetectionEvent struct {
	Timestamp         time.Time         `json:"timestamp"`
	IntegrationSource string            `json:"integration_source"`
	SourceChat        string            `json:"source_chat"`
	ChatID            int64             `json:"chat_id"`
	AuthorID          int64             `json:"author_id"`
	MessageSnippet    string            `json:"message_snippet"`
	IOC               string            `json:"ioc"`
	IOCType           ioc.Kind          `json:"ioc_type"`
	VirusTotal        reputation.Result `json:"virustotal"`
	AIClassification  *AIClassification `json:"ai_classification,omitempty"`
}

// IsMalicious applies the vote threshold to the embedded verdict.
func (e DetectionEvent) IsMalicious(threshold int) bool {
	return e.VirusTotal.IsMalicious(threshold)
}

// Assemble builds the record for one indicator. cls is nil when no gate ran.
func Assemble(msg Message, ind ioc.Indicator, res reputation.Result, cls *AIClassification, now time.Time) (DetectionEvent, error) {
	chatID, err := TranslateChatID(msg.ChatCategory, msg.ChatID)
	if err != nil {
		return DetectionEvent{}, err
	}
	return DetectionEvent{
		Timestamp:         now.UTC(),
		IntegrationSource: IntegrationSource,
		SourceChat:        msg.SourceName(),
		ChatID:            chatID,
		AuthorID:          msg.SenderID,
		MessageSnippet:    Snippet(msg.Text),
		IOC:               ind.Value,
		IOCType:           ind.Kind,
		VirusTotal:        res,
		AIClassification:  cls,
	}, nil
}

// Snippet returns the first SnippetLength characters of text.
func Snippet(text string) string {
	r := []rune(text)
	if len(r) <= SnippetLength {
		return text
	}
	return string(r[:SnippetLength])
}

package event

import (
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-dpa/telegram-sentinel/internal/ioc"
	"github.com/sentinel-dpa/telegram-sentinel/internal/reputation"
)

func TestTranslateChatID(t *testing.T) {
	cases := []struct {
		cat  ChatCategory
		raw  int64
		want int64
	}{
		{Channel, 123, -100123},
		{Channel, 1234567890, -1001234567890},
		{Channel, -1001234567890, -1001234567890},
		{LegacyGroup, 123, -123},
		{LegacyGroup, -123, -123},
		{Private, 123, 123},
		{Private, -5, -5},
	}
	for _, tc := range cases {
		got, err := TranslateChatID(tc.cat, tc.raw)
		require.NoError(t, err, "%s %d", tc.cat, tc.raw)
		assert.Equal(t, tc.want, got, "%s %d", tc.cat, tc.raw)
	}
}

func TestTranslateChatID_Errors(t *testing.T) {
	_, err := TranslateChatID(Channel, math.MaxInt64)
	assert.Error(t, err)

	_, err = TranslateChatID(ChatCategory("forum"), 1)
	assert.Error(t, err)
}

func TestParseChatCategory(t *testing.T) {
	for in, want := range map[string]ChatCategory{
		"channel":    Channel,
		"Supergroup": Channel,
		"group":      LegacyGroup,
		"chat":       LegacyGroup,
		"private":    Private,
		"":           Private,
	} {
		got, err := ParseChatCategory(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseChatCategory("bogus")
	assert.Error(t, err)
}

func TestAssemble_RecordShape(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	msg := Message{
		Text:         "check this http://bad.example/x and 8.8.8.8",
		ChatTitle:    "Leaks",
		ChatID:       123,
		ChatCategory: Channel,
		SenderID:     42,
	}
	res := reputation.Result{Malicious: 3, TotalEngines: 70, Permalink: "https://vt/x"}

	ev, err := Assemble(msg, ioc.Indicator{Kind: ioc.KindURL, Value: "http://bad.example/x"}, res, nil, now)
	require.NoError(t, err)
	assert.Equal(t, int64(-100123), ev.ChatID)
	assert.True(t, ev.IsMalicious(1))

	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"timestamp": "2025-01-02T03:04:05Z",
		"integration_source": "telegram_sentinel",
		"source_chat": "Leaks",
		"chat_id": -100123,
		"author_id": 42,
		"message_snippet": "check this http://bad.example/x and 8.8.8.8",
		"ioc": "http://bad.example/x",
		"ioc_type": "url",
		"virustotal": {"malicious": 3, "total_engines": 70, "permalink": "https://vt/x"}
	}`, string(raw))
}

func TestAssemble_WithClassification(t *testing.T) {
	msg := Message{Text: "x", ChatID: 7, ChatCategory: Private, SenderID: 1}
	ev, err := Assemble(msg, ioc.Indicator{Kind: ioc.KindIPv4, Value: "8.8.8.8"}, reputation.Unknown(),
		&AIClassification{CyberScore: 0.91, IsRelevant: true}, time.Now())
	require.NoError(t, err)

	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, map[string]any{"cyber_score": 0.91, "is_relevant": true}, decoded["ai_classification"])
	assert.Equal(t, "ip", decoded["ioc_type"])
	assert.Equal(t, "7", decoded["source_chat"])
	assert.False(t, ev.IsMalicious(1))
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "short", Snippet("short"))

	long := strings.Repeat("a", 80)
	assert.Len(t, Snippet(long), SnippetLength)

	// Multi-byte characters are counted as characters, not bytes.
	cyr := strings.Repeat("ж", 60)
	s := Snippet(cyr)
	assert.Equal(t, SnippetLength, len([]rune(s)))
	assert.True(t, strings.HasPrefix(cyr, s))
}

func TestMessageSourceName(t *testing.T) {
	assert.Equal(t, "Title", Message{ChatTitle: "Title", ChatUsername: "user"}.SourceName())
	assert.Equal(t, "user", Message{ChatUsername: "user", ChatID: 9}.SourceName())
	assert.Equal(t, "9", Message{ChatID: 9}.SourceName())
}

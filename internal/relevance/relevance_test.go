package relevance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubScorer struct {
	score float64
	err   error
	got   string
	calls int
}

func (s *stubScorer) Name() string { return "stub" }
func (s *stubScorer) Score(_ context.Context, text string) (float64, error) {
	s.calls++
	s.got = text
	return s.score, s.err
}

func TestCleanAndMask(t *testing.T) {
	in := "🔥 New CVE-2024-1234 exploit at https://evil.example.com/x see t.me/leakchan from 8.8.8.8 and evil.ru  now 👀"
	assert.Equal(t, "New [CVE] exploit at [URL] see [TG_LINK] from [IP] and [DOMAIN] now", CleanAndMask(in))
}

func TestCleanAndMask_Cases(t *testing.T) {
	cases := map[string]string{
		"cve-2021-44228 again":          "[CVE] again",
		"join https://t.me/somechannel": "join [TG_LINK]",
		"multi\n\n\tline   text":        "multi line text",
		"visit google.com today":        "visit [DOMAIN] today",
		"unknown.tld stays":             "unknown.tld stays",
		"":                              "",
	}
	for in, want := range cases {
		assert.Equal(t, want, CleanAndMask(in), in)
	}
}

func TestCleanAndMask_Emoji(t *testing.T) {
	cases := []struct{ in, want string }{
		{"press 1️⃣ now", "press now"},
		{"Copyright ©️ exploit kit", "Copyright exploit kit"},
		{"flag 🇮🇹 and family 👨‍👩‍👧 gone", "flag and family gone"},
		{"Rating ★★★ for the leak", "Rating ★★★ for the leak"},
		{"table ─── border", "table ─── border"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, CleanAndMask(c.in), c.in)
	}
}

func TestGate_ShortTextScoresZero(t *testing.T) {
	s := &stubScorer{score: 0.99}
	g := &Gate{Scorer: s}

	score, pass := g.Evaluate(context.Background(), "abc")
	assert.Zero(t, score)
	assert.False(t, pass)
	assert.Zero(t, s.calls, "scorer not consulted")
}

func TestGate_Threshold(t *testing.T) {
	cases := []struct {
		score float64
		pass  bool
	}{
		{0.59, false},
		{0.60, true},
		{0.95, true},
		{1.7, true},
		{-0.2, false},
	}
	for _, tc := range cases {
		g := &Gate{Scorer: &stubScorer{score: tc.score}}
		score, pass := g.Evaluate(context.Background(), "ransomware leak today")
		assert.Equal(t, tc.pass, pass, "score %v", tc.score)
		assert.GreaterOrEqual(t, score, 0.0)
		assert.LessOrEqual(t, score, 1.0)
	}

	g := &Gate{Scorer: &stubScorer{score: 0.7}, Threshold: 0.8}
	_, pass := g.Evaluate(context.Background(), "ransomware leak today")
	assert.False(t, pass)
}

func TestGate_ScorerErrorScoresZero(t *testing.T) {
	s := &stubScorer{score: 0.9, err: errors.New("model down")}
	g := &Gate{Scorer: s, Logger: zaptest.NewLogger(t).Sugar()}

	score, pass := g.Evaluate(context.Background(), "ransomware leak today")
	assert.Zero(t, score)
	assert.False(t, pass)
}

func TestGate_ScoresMaskedText(t *testing.T) {
	s := &stubScorer{score: 0.9}
	g := &Gate{Scorer: s}
	g.Evaluate(context.Background(), "drop at http://bad.example/x 🔥")
	assert.Equal(t, "drop at [URL]", s.got)
}

func TestHTTPScorer(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"score": 0.83}`))
	}))
	defer srv.Close()

	s, err := NewHTTPScorer(srv.URL, time.Second)
	require.NoError(t, err)
	score, err := s.Score(context.Background(), "hello")
	require.NoError(t, err)
	assert.InDelta(t, 0.83, score, 1e-9)
	assert.Equal(t, "hello", got["text"])
}

func TestHTTPScorer_Failures(t *testing.T) {
	for name, handler := range map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		},
		"no score": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"label": 1}`))
		},
		"garbage": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`not json`))
		},
	} {
		srv := httptest.NewServer(handler)
		s, err := NewHTTPScorer(srv.URL, time.Second)
		require.NoError(t, err)
		_, err = s.Score(context.Background(), "hello")
		assert.Error(t, err, name)
		srv.Close()
	}

	_, err := NewHTTPScorer("  ", 0)
	assert.Error(t, err)
}

func TestOllamaScorer(t *testing.T) {
	var req struct {
		Model    string `json:"model"`
		Stream   bool   `json:"stream"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"<think>maybe 5</think> 0.82"}}`))
	}))
	defer srv.Close()

	s, err := NewOllamaScorer(srv.URL+"/", "qwen3:0.6b", time.Second)
	require.NoError(t, err)
	score, err := s.Score(context.Background(), "new [CVE] exploit")
	require.NoError(t, err)
	assert.InDelta(t, 0.82, score, 1e-9)
	assert.Equal(t, "qwen3:0.6b", req.Model)
	assert.False(t, req.Stream)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, "new [CVE] exploit", req.Messages[1].Content)
}

func TestOpenRouterScorer(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/chat/completions", r.URL.Path)
		auth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"73%"}}]}`))
	}))
	defer srv.Close()

	s, err := NewOpenRouterScorer(srv.URL+"/api/v1", "qwen/qwen-2.5-7b-instruct", "k-123", time.Second)
	require.NoError(t, err)
	score, err := s.Score(context.Background(), "phishing kit [URL]")
	require.NoError(t, err)
	assert.InDelta(t, 0.73, score, 1e-9)
	assert.Equal(t, "Bearer k-123", auth)
}

func TestOpenRouterScorer_Failures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":{"message":"no credits"}}`))
	}))
	defer srv.Close()

	s, err := NewOpenRouterScorer(srv.URL, "m", "k", time.Second)
	require.NoError(t, err)
	_, err = s.Score(context.Background(), "text")
	assert.ErrorContains(t, err, "no credits")

	_, err = NewOpenRouterScorer("", "m", "", time.Second)
	assert.Error(t, err)
	_, err = NewOpenRouterScorer("", "", "k", time.Second)
	assert.Error(t, err)
}

func TestParseProbability(t *testing.T) {
	cases := map[string]float64{
		"0.4":          0.4,
		"Score: 0.91.": 0.91,
		"85%":          0.85,
		"1":            1,
		"0":            0,
	}
	for in, want := range cases {
		got, err := parseProbability(in)
		require.NoError(t, err, in)
		assert.InDelta(t, want, got, 1e-9, in)
	}
	_, err := parseProbability("no idea")
	assert.Error(t, err)
}

func TestKeywordScorer(t *testing.T) {
	k := NewKeywordScorer(nil)

	hi, err := k.Score(context.Background(), CleanAndMask("New ransomware exploit for CVE-2024-1234, payload at 8.8.8.8"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, hi, DefaultThreshold)

	lo, err := k.Score(context.Background(), "see you at dinner tonight")
	require.NoError(t, err)
	assert.Zero(t, lo)

	custom := NewKeywordScorer(map[string]float64{"Dinner": 0.7})
	v, err := custom.Score(context.Background(), "see you at dinner tonight")
	require.NoError(t, err)
	assert.InDelta(t, 0.7, v, 1e-9)
}

func TestBuild(t *testing.T) {
	s, err := Build(Config{Scorer: ""})
	require.NoError(t, err)
	assert.Equal(t, "keyword", s.Name())

	s, err = Build(Config{Scorer: "SecureBERT", Endpoint: "http://localhost:8000/score"})
	require.NoError(t, err)
	assert.Equal(t, "http", s.Name())

	_, err = Build(Config{Scorer: "ollama", Endpoint: "http://localhost:11434"})
	assert.Error(t, err, "model required")

	s, err = Build(Config{Scorer: "openrouter", Model: "m", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "openrouter", s.Name())

	_, err = Build(Config{Scorer: "magic"})
	assert.Error(t, err)

	require.NoError(t, HealthCheck(context.Background(), NewKeywordScorer(nil)))
	assert.Error(t, HealthCheck(context.Background(), &stubScorer{err: errors.New("down")}))
}

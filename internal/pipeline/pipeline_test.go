package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sentinel-dpa/telegram-sentinel/internal/event"
	"github.com/sentinel-dpa/telegram-sentinel/internal/ioc"
	"github.com/sentinel-dpa/telegram-sentinel/internal/relevance"
	"github.com/sentinel-dpa/telegram-sentinel/internal/reputation"
	"github.com/sentinel-dpa/telegram-sentinel/internal/sink"
)

var fixedNow = time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)

type harness struct {
	pipe  *Pipeline
	cache *reputation.Cache
	out   string
	calls *atomic.Int32
}

// newHarness wires a real VirusTotal client against a fake API whose
// responses are chosen per request path.
func newHarness(t *testing.T, respond func(w http.ResponseWriter, r *http.Request), opts ...Option) *harness {
	t.Helper()
	calls := &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		respond(w, r)
	}))
	t.Cleanup(srv.Close)

	cache, err := reputation.NewCache(reputation.CacheOptions{})
	require.NoError(t, err)
	vt := reputation.NewVirusTotal(reputation.ClientOptions{BaseURL: srv.URL, APIKey: "k", Timeout: 2 * time.Second})
	svc := reputation.NewService(vt, cache, reputation.ServiceOptions{Pacing: -1, Now: func() time.Time { return fixedNow }})

	out := filepath.Join(t.TempDir(), "iocs.json")
	fs := sink.NewFileSink(out)
	require.NoError(t, fs.Ensure())

	opts = append([]Option{WithLogger(zaptest.NewLogger(t).Sugar()), WithClock(func() time.Time { return fixedNow })}, opts...)
	return &harness{
		pipe:  New(Config{Threshold: 1}, svc, sink.Multi{fs}, opts...),
		cache: cache,
		out:   out,
		calls: calls,
	}
}

func (h *harness) events(t *testing.T) []event.DetectionEvent {
	t.Helper()
	fh, err := os.Open(h.out)
	require.NoError(t, err)
	defer fh.Close()

	var evs []event.DetectionEvent
	sc := bufio.NewScanner(fh)
	for sc.Scan() {
		var ev event.DetectionEvent
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		evs = append(evs, ev)
	}
	return evs
}

func vtOK(malicious, harmless, undetected int) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"attributes": map[string]any{"last_analysis_stats": map[string]int{
					"malicious": malicious, "harmless": harmless, "undetected": undetected,
				}},
				"links": map[string]any{"self": "https://vt.example" + r.URL.Path},
			},
		})
	}
}

func channelMsg(text string) event.Message {
	return event.Message{Text: text, ChatTitle: "Leaks", ChatUsername: "leakchan", ChatID: 123, ChatCategory: event.Channel, SenderID: 42}
}

func TestHandle_MaliciousMessage(t *testing.T) {
	h := newHarness(t, vtOK(3, 60, 7))

	out, err := h.pipe.Handle(context.Background(), channelMsg("check this http://bad.example/x and 8.8.8.8"))
	require.NoError(t, err)
	assert.Equal(t, Outcome{Indicators: 2, Events: 2, Malicious: 2}, out)

	evs := h.events(t)
	require.Len(t, evs, 2)
	assert.Equal(t, "8.8.8.8", evs[0].IOC)
	assert.Equal(t, ioc.KindIPv4, evs[0].IOCType)
	assert.Equal(t, "http://bad.example/x", evs[1].IOC)
	assert.Equal(t, ioc.KindURL, evs[1].IOCType)
	for _, ev := range evs {
		assert.Equal(t, 3, ev.VirusTotal.Malicious)
		assert.Equal(t, 70, ev.VirusTotal.TotalEngines)
		assert.True(t, ev.IsMalicious(1))
		assert.Equal(t, int64(-100123), ev.ChatID)
		assert.Equal(t, int64(42), ev.AuthorID)
		assert.Equal(t, "Leaks", ev.SourceChat)
		assert.Equal(t, fixedNow, ev.Timestamp)
		assert.Nil(t, ev.AIClassification)
	}

	// A second sighting is served from the cache.
	before := h.calls.Load()
	_, err = h.pipe.Handle(context.Background(), channelMsg("again 8.8.8.8"))
	require.NoError(t, err)
	assert.Equal(t, before, h.calls.Load())
	assert.Len(t, h.events(t), 3)
}

func TestHandle_UnknownIndicatorIsClean(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) })

	out, err := h.pipe.Handle(context.Background(), channelMsg("seen 1.2.3.4 today"))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Events)
	assert.Zero(t, out.Malicious)

	evs := h.events(t)
	require.Len(t, evs, 1)
	assert.Equal(t, reputation.Result{Malicious: 0, TotalEngines: 0, Permalink: "N/A"}, evs[0].VirusTotal)
	assert.False(t, evs[0].IsMalicious(1))
	assert.False(t, evs[0].IsMalicious(100))
}

func TestHandle_QuotaSkipsOnlyThatIndicator(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/ip_addresses/") {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		vtOK(0, 10, 0)(w, r)
	})

	out, err := h.pipe.Handle(context.Background(), channelMsg("6.6.6.6 http://ok.example/"))
	require.NoError(t, err)
	assert.Equal(t, Outcome{Indicators: 2, Events: 1, Skipped: 1}, out)

	evs := h.events(t)
	require.Len(t, evs, 1)
	assert.Equal(t, "http://ok.example/", evs[0].IOC)

	_, ok := h.cache.Lookup(ioc.Indicator{Kind: ioc.KindIPv4, Value: "6.6.6.6"}, fixedNow)
	assert.False(t, ok, "quota responses are never cached")
}

func TestHandle_ClientErrorSkips(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	out, err := h.pipe.Handle(context.Background(), channelMsg("8.8.8.8"))
	require.NoError(t, err)
	assert.Equal(t, Outcome{Indicators: 1, Skipped: 1}, out)
	assert.Empty(t, h.events(t))
}

func TestHandle_NoIndicators(t *testing.T) {
	h := newHarness(t, vtOK(1, 1, 1))
	out, err := h.pipe.Handle(context.Background(), channelMsg("nothing to see, 127.0.0.1 and 192.168.1.1"))
	require.NoError(t, err)
	assert.Equal(t, Outcome{}, out)
	assert.Zero(t, h.calls.Load())
}

type brokenSink struct{ n int }

func (b *brokenSink) Name() string { return "broken" }
func (b *brokenSink) Append(context.Context, event.DetectionEvent) error {
	b.n++
	return errors.New("read-only file system")
}

type mapEnricher map[string]reputation.Result

func (m mapEnricher) Check(_ context.Context, ind ioc.Indicator) (reputation.Result, error) {
	return m[ind.Value], nil
}

func TestHandle_SinkFailureDoesNotAbort(t *testing.T) {
	bs := &brokenSink{}
	p := New(Config{}, mapEnricher{}, bs)

	out, err := p.Handle(context.Background(), channelMsg("8.8.8.8 and 9.9.9.9"))
	require.NoError(t, err)
	assert.Equal(t, 2, bs.n, "every indicator is attempted")
	assert.Equal(t, 2, out.SinkErrors)
	assert.Zero(t, out.Events)

	_, err = p.Handle(context.Background(), channelMsg("1.1.1.1"))
	require.NoError(t, err)
	assert.Equal(t, 3, bs.n)
}

func TestHandle_PartialSinkFailureStillCountsEvent(t *testing.T) {
	ms := &memSink{}
	bs := &brokenSink{}
	p := New(Config{}, mapEnricher{"8.8.8.8": {Malicious: 4, TotalEngines: 70}}, sink.Multi{ms, bs})

	out, err := p.Handle(context.Background(), channelMsg("8.8.8.8"))
	require.NoError(t, err)
	assert.Equal(t, Outcome{Indicators: 1, Events: 1, Malicious: 1, SinkErrors: 1}, out)
	assert.Len(t, ms.evs, 1)
	assert.Equal(t, 1, bs.n)
}

type memSink struct{ evs []event.DetectionEvent }

func (m *memSink) Name() string { return "mem" }
func (m *memSink) Append(_ context.Context, ev event.DetectionEvent) error {
	m.evs = append(m.evs, ev)
	return nil
}

func TestHandle_TargetChats(t *testing.T) {
	ms := &memSink{}
	p := New(Config{TargetChats: []string{"@LeakChan", "-100999", "Other Group"}}, mapEnricher{}, ms)

	out, err := p.Handle(context.Background(), channelMsg("8.8.8.8"))
	require.NoError(t, err)
	assert.False(t, out.Filtered, "username match ignores @ and case")

	out, err = p.Handle(context.Background(), event.Message{Text: "8.8.8.8", ChatID: 999, ChatCategory: event.Channel})
	require.NoError(t, err)
	assert.False(t, out.Filtered, "translated id match")

	out, err = p.Handle(context.Background(), event.Message{Text: "8.8.8.8", ChatTitle: "other group", ChatID: 5, ChatCategory: event.LegacyGroup})
	require.NoError(t, err)
	assert.False(t, out.Filtered, "title match")

	out, err = p.Handle(context.Background(), event.Message{Text: "8.8.8.8", ChatTitle: "Random", ChatID: 7, ChatCategory: event.Private})
	require.NoError(t, err)
	assert.True(t, out.Filtered)
	assert.Len(t, ms.evs, 3)
}

type fixedScorer float64

func (f fixedScorer) Name() string { return "fixed" }
func (f fixedScorer) Score(context.Context, string) (float64, error) {
	return float64(f), nil
}

func TestHandle_RelevanceGate(t *testing.T) {
	ms := &memSink{}
	enr := mapEnricher{"8.8.8.8": {Malicious: 2, TotalEngines: 80, Permalink: "p"}}

	low := New(Config{}, enr, ms, WithGate(&relevance.Gate{Scorer: fixedScorer(0.4)}))
	out, err := low.Handle(context.Background(), channelMsg("new stealer panel 8.8.8.8"))
	require.NoError(t, err)
	assert.True(t, out.Irrelevant)
	assert.InDelta(t, 0.4, out.Score, 1e-9)
	assert.Empty(t, ms.evs)

	high := New(Config{}, enr, ms, WithGate(&relevance.Gate{Scorer: fixedScorer(0.92)}))
	out, err = high.Handle(context.Background(), channelMsg("new stealer panel 8.8.8.8"))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Malicious)
	require.Len(t, ms.evs, 1)
	require.NotNil(t, ms.evs[0].AIClassification)
	assert.InDelta(t, 0.92, ms.evs[0].AIClassification.CyberScore, 1e-9)
	assert.True(t, ms.evs[0].AIClassification.IsRelevant)
}

type cancelEnricher struct{}

func (cancelEnricher) Check(ctx context.Context, _ ioc.Indicator) (reputation.Result, error) {
	<-ctx.Done()
	return reputation.Result{}, ctx.Err()
}

func TestHandle_ContextCancellation(t *testing.T) {
	p := New(Config{}, cancelEnricher{}, &memSink{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Handle(ctx, channelMsg("8.8.8.8 9.9.9.9"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNew_DefaultThreshold(t *testing.T) {
	assert.Equal(t, DefaultThreshold, New(Config{}, mapEnricher{}, &memSink{}).Threshold())
	assert.Equal(t, 5, New(Config{Threshold: 5}, mapEnricher{}, &memSink{}).Threshold())
}

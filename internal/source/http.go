package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultMaxRecords is the default per-request message cap.
const DefaultMaxRecords = 100

// HTTPOptions controls the webhook source.
type HTTPOptions struct {
	// Bind address, e.g. "127.0.0.1:8090"
	Bind string
	// Token for Authorization: Bearer <token> header. Empty disables auth.
	Token string
	// RPS is max requests per second. 0 disables rate limiting.
	RPS int
	// Burst is the token bucket size. If 0 and RPS>0, defaults to RPS.
	Burst int
	// MaxBodyBytes caps request body size; defaults to 10 MiB.
	MaxBodyBytes int64
	// MaxRecords caps the messages in one request; defaults to
	// DefaultMaxRecords. Larger batches get 413.
	MaxRecords int
	// WriteTimeout bounds a whole request including message handling.
	// Zero leaves it unbounded; reputation pacing makes handling time grow
	// with the number of uncached indicators, and a client that gives up
	// cancels its own request.
	WriteTimeout time.Duration
	Logger       *zap.SugaredLogger
}

// HTTPSource accepts POST /messages carrying one message object, an array
// of them, or JSON lines. Messages are handled before the response is sent.
type HTTPSource struct {
	opts    HTTPOptions
	limiter *rate.Limiter
	logger  *zap.SugaredLogger
}

// ingestResult is the response body of POST /messages.
type ingestResult struct {
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected"`
	Errors   []string `json:"errors,omitempty"`
}

func NewHTTPSource(opts HTTPOptions) *HTTPSource {
	if opts.Bind == "" {
		opts.Bind = "127.0.0.1:8090"
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 10 * 1024 * 1024
	}
	if opts.MaxRecords <= 0 {
		opts.MaxRecords = DefaultMaxRecords
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	hs := &HTTPSource{opts: opts, logger: opts.Logger.Named("http-source")}
	if opts.RPS > 0 {
		if opts.Burst <= 0 {
			opts.Burst = opts.RPS
		}
		hs.limiter = rate.NewLimiter(rate.Limit(opts.RPS), opts.Burst)
	}
	return hs
}

func (hs *HTTPSource) Name() string { return "http" }

// Handler returns the HTTP handler delivering messages to h.
func (hs *HTTPSource) Handler(h Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		hs.handleMessages(w, r, h)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

// Run serves until ctx ends.
func (hs *HTTPSource) Run(ctx context.Context, h Handler) error {
	// Bind early to surface errors synchronously
	ln, err := net.Listen("tcp", hs.opts.Bind)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", hs.opts.Bind, err)
	}
	srv := hs.server(ctx, h)
	hs.logger.Infow("listening", "addr", ln.Addr().String(), "rps", hs.opts.RPS, "auth", hs.opts.Token != "")

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			hs.logger.Warnw("graceful shutdown failed", "error", err)
		}
		return ctx.Err()
	}
}

func (hs *HTTPSource) server(ctx context.Context, h Handler) *http.Server {
	return &http.Server{
		Handler:      hs.Handler(h),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: hs.opts.WriteTimeout,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
}

func (hs *HTTPSource) handleMessages(w http.ResponseWriter, r *http.Request, h Handler) {
	start := time.Now()
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if hs.opts.Token != "" {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")) != hs.opts.Token {
			w.Header().Set("WWW-Authenticate", `Bearer realm="telegram-sentinel"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	if hs.limiter != nil && !hs.limiter.Allow() {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, hs.opts.MaxBodyBytes)
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	records, err := splitRecords(body, r.Header.Get("Content-Type"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(records) > hs.opts.MaxRecords {
		http.Error(w, fmt.Sprintf("too many records: %d (max %d)", len(records), hs.opts.MaxRecords), http.StatusRequestEntityTooLarge)
		return
	}

	var res ingestResult
	for i, raw := range records {
		msg, err := DecodeMessage(raw)
		if err != nil {
			res.Rejected++
			res.Errors = append(res.Errors, fmt.Sprintf("record %d: %v", i+1, err))
			continue
		}
		if err := h(r.Context(), msg); err != nil {
			if r.Context().Err() != nil {
				return
			}
			res.Rejected++
			res.Errors = append(res.Errors, fmt.Sprintf("record %d: %v", i+1, err))
			continue
		}
		res.Accepted++
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(res)
	hs.logger.Debugw("request handled", "accepted", res.Accepted, "rejected", res.Rejected,
		"remote", remoteIP(r.RemoteAddr), "dur", time.Since(start).String())
}

// splitRecords returns the raw message objects in body.
func splitRecords(body []byte, contentType string) ([]json.RawMessage, error) {
	trim := bytes.TrimSpace(body)
	if len(trim) == 0 {
		return nil, errors.New("empty body")
	}
	ct := strings.ToLower(contentType)
	jsonl := strings.Contains(ct, "ndjson") || strings.Contains(ct, "jsonl")

	if !jsonl && trim[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(trim, &arr); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		return arr, nil
	}
	if !jsonl && json.Valid(trim) {
		return []json.RawMessage{trim}, nil
	}

	var out []json.RawMessage
	scanner := bufio.NewScanner(bytes.NewReader(trim))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		out = append(out, append(json.RawMessage(nil), line...))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// remoteIP extracts ip from host:port
func remoteIP(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

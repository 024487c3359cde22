// Package responder implements the Wazuh active response that removes the
// author of a malicious indicator from the chat it was posted in.
package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sentinel-dpa/telegram-sentinel/internal/store"
)

const (
	DefaultAPIBase = "https://api.telegram.org"
	DefaultLogPath = "/var/ossec/logs/active-responses.log"
)

// ErrMissingTarget is returned when an alert lacks the author or chat id.
var ErrMissingTarget = errors.New("author_id or chat_id missing in the alert data")

// Alert carries the detection fields the response acts on.
type Alert struct {
	AuthorID int64
	ChatID   int64
	IOC      string
}

// ParseAlert reads a Wazuh active-response message and returns the fields
// of parameters.alert.data. Ids may be JSON numbers or numeric strings.
func ParseAlert(r io.Reader) (Alert, error) {
	var in struct {
		Parameters struct {
			Alert struct {
				Data struct {
					AuthorID json.RawMessage `json:"author_id"`
					ChatID   json.RawMessage `json:"chat_id"`
					IOC      string          `json:"ioc"`
				} `json:"data"`
			} `json:"alert"`
		} `json:"parameters"`
	}
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return Alert{}, fmt.Errorf("decode alert: %w", err)
	}
	data := in.Parameters.Alert.Data

	author, err := idValue(data.AuthorID)
	if err != nil {
		return Alert{}, fmt.Errorf("author_id: %w", err)
	}
	chat, err := idValue(data.ChatID)
	if err != nil {
		return Alert{}, fmt.Errorf("chat_id: %w", err)
	}
	return Alert{AuthorID: author, ChatID: chat, IOC: data.IOC}, nil
}

func idValue(raw json.RawMessage) (int64, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return 0, nil
	}
	s = strings.Trim(s, `"`)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

// Recorder stores the outcome of each response. *store.Store implements it.
type Recorder interface {
	AddResponseAction(ctx context.Context, a store.ResponseAction) (string, error)
}

// Options configures a Responder.
type Options struct {
	BotToken   string
	APIBase    string
	LogPath    string
	HTTPClient *http.Client
	Recorder   Recorder
	Logger     *zap.SugaredLogger
}

// Responder bans chat members through the Telegram Bot API.
type Responder struct {
	token    string
	base     string
	logPath  string
	http     *http.Client
	recorder Recorder
	logger   *zap.SugaredLogger
	mu       sync.Mutex
}

func New(opts Options) (*Responder, error) {
	if strings.TrimSpace(opts.BotToken) == "" {
		return nil, fmt.Errorf("bot token is required")
	}
	if opts.APIBase == "" {
		opts.APIBase = DefaultAPIBase
	}
	if opts.LogPath == "" {
		opts.LogPath = DefaultLogPath
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	return &Responder{
		token:    opts.BotToken,
		base:     strings.TrimRight(opts.APIBase, "/"),
		logPath:  opts.LogPath,
		http:     opts.HTTPClient,
		recorder: opts.Recorder,
		logger:   opts.Logger.Named("responder"),
	}, nil
}

// Run reads one alert from in and responds to it. Every outcome is written
// to the active-response log.
func (r *Responder) Run(ctx context.Context, in io.Reader) error {
	a, err := ParseAlert(in)
	if err != nil {
		r.logLine("Telegram Active Response Exception: %v", err)
		return err
	}
	return r.Respond(ctx, a)
}

// Respond bans a.AuthorID from a.ChatID and, when the ban succeeds, posts a
// notice in the chat. A failed notice is logged only.
func (r *Responder) Respond(ctx context.Context, a Alert) error {
	if a.AuthorID == 0 || a.ChatID == 0 {
		r.logLine("Telegram Active Response Error: %v.", ErrMissingTarget)
		r.record(ctx, a, "ban", "skipped", map[string]string{"reason": ErrMissingTarget.Error()})
		return ErrMissingTarget
	}

	res, err := r.call(ctx, "banChatMember", url.Values{
		"chat_id": {strconv.FormatInt(a.ChatID, 10)},
		"user_id": {strconv.FormatInt(a.AuthorID, 10)},
	})
	if err != nil {
		r.logLine("Telegram Active Response Exception: ban of user %d in chat %d: %v", a.AuthorID, a.ChatID, err)
		r.record(ctx, a, "ban", "failed", map[string]string{"error": err.Error()})
		return err
	}
	r.logLine("Telegram Active Response: Attempting Ban on User %d in Chat %d. Result: %s", a.AuthorID, a.ChatID, res)
	if !res.OK {
		r.record(ctx, a, "ban", "failed", map[string]string{"error": res.Description})
		return fmt.Errorf("banChatMember: %s", res)
	}
	r.record(ctx, a, "ban", "ok", nil)
	r.logger.Infow("user banned", "chat_id", a.ChatID, "author_id", a.AuthorID, "ioc", a.IOC)

	notice := fmt.Sprintf("🚫 *USER BANNED*\nThe defense system has removed the user for sharing a malicious IoC: `%s`", a.IOC)
	nres, err := r.call(ctx, "sendMessage", url.Values{
		"chat_id":    {strconv.FormatInt(a.ChatID, 10)},
		"text":       {notice},
		"parse_mode": {"Markdown"},
	})
	switch {
	case err != nil:
		r.logger.Warnw("ban notice failed", "chat_id", a.ChatID, "error", err)
		r.record(ctx, a, "notify", "failed", map[string]string{"error": err.Error()})
	case !nres.OK:
		r.logger.Warnw("ban notice rejected", "chat_id", a.ChatID, "description", nres.Description)
		r.record(ctx, a, "notify", "failed", map[string]string{"error": nres.Description})
	default:
		r.record(ctx, a, "notify", "ok", nil)
	}
	return nil
}

// apiResult is the Bot API response envelope.
type apiResult struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
}

func (a apiResult) String() string {
	if a.OK {
		return "ok"
	}
	return fmt.Sprintf("error %d: %s", a.ErrorCode, a.Description)
}

func (r *Responder) call(ctx context.Context, method string, form url.Values) (apiResult, error) {
	endpoint := fmt.Sprintf("%s/bot%s/%s", r.base, r.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return apiResult{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.http.Do(req)
	if err != nil {
		// The request URL embeds the token.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return apiResult{}, fmt.Errorf("%s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apiResult{}, err
	}
	var res apiResult
	if err := json.Unmarshal(body, &res); err != nil {
		return apiResult{}, fmt.Errorf("%s: status %d: invalid response", method, resp.StatusCode)
	}
	return res, nil
}

func (r *Responder) logLine(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...) + "\n"

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(r.logPath), 0o755); err != nil {
		r.logger.Errorw("cannot create response log directory", "path", r.logPath, "error", err)
		return
	}
	f, err := os.OpenFile(r.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		r.logger.Errorw("cannot open response log", "path", r.logPath, "error", err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		r.logger.Errorw("cannot write response log", "path", r.logPath, "error", err)
	}
}

func (r *Responder) record(ctx context.Context, a Alert, action, status string, details map[string]string) {
	if r.recorder == nil {
		return
	}
	if _, err := r.recorder.AddResponseAction(ctx, store.ResponseAction{
		Action:   action,
		ChatID:   a.ChatID,
		AuthorID: a.AuthorID,
		IOC:      a.IOC,
		Status:   status,
		Details:  details,
	}); err != nil {
		r.logger.Warnw("cannot record response action", "error", err)
	}
}

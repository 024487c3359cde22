package reputation

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sentinel-dpa/telegram-sentinel/internal/ioc"
)

const defaultVirusTotalURL = "https://www.virustotal.com/api/v3"

// ClientOptions configures an HTTP reputation client.
type ClientOptions struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// InsecureSkipVerify disables certificate checks. Test servers only.
	InsecureSkipVerify bool
	HTTPClient         *http.Client
}

func (o ClientOptions) httpClient() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	tr := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 5,
		IdleConnTimeout:     30 * time.Second,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
	}
	if o.InsecureSkipVerify {
		tr.TLSClientConfig.InsecureSkipVerify = true //nolint:gosec
	}
	return &http.Client{Timeout: o.Timeout, Transport: tr}
}

// VirusTotal queries the VirusTotal v3 API.
type VirusTotal struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewVirusTotal(opts ClientOptions) *VirusTotal {
	base := opts.BaseURL
	if base == "" {
		base = defaultVirusTotalURL
	}
	return &VirusTotal{
		baseURL:    strings.TrimRight(base, "/"),
		apiKey:     opts.APIKey,
		httpClient: opts.httpClient(),
	}
}

func (v *VirusTotal) Name() string { return "virustotal" }

// vtObject is the subset of the v3 object envelope we read.
type vtObject struct {
	Data struct {
		Attributes struct {
			LastAnalysisStats map[string]int `json:"last_analysis_stats"`
		} `json:"attributes"`
		Links struct {
			Self string `json:"self"`
		} `json:"links"`
	} `json:"data"`
}

// Query looks up a single indicator. 404 yields Unknown(), 429 yields
// ErrQuotaExceeded and anything else unexpected a *ClientError.
func (v *VirusTotal) Query(ctx context.Context, ind ioc.Indicator) (Result, error) {
	path, err := virusTotalPath(ind)
	if err != nil {
		return Result{}, &ClientError{Provider: v.Name(), Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+path, nil)
	if err != nil {
		return Result{}, &ClientError{Provider: v.Name(), Err: err}
	}
	req.Header.Set("x-apikey", v.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "telegram-sentinel/1.0")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return Result{}, &ClientError{Provider: v.Name(), Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var obj vtObject
		if err := json.NewDecoder(resp.Body).Decode(&obj); err != nil {
			return Result{}, &ClientError{Provider: v.Name(), Err: fmt.Errorf("decode response: %w", err)}
		}
		stats := obj.Data.Attributes.LastAnalysisStats
		if stats == nil {
			return Result{}, &ClientError{Provider: v.Name(), Err: errors.New("response has no last_analysis_stats")}
		}
		total := 0
		for _, n := range stats {
			total += n
		}
		return Result{
			Malicious:    stats["malicious"],
			TotalEngines: total,
			Permalink:    obj.Data.Links.Self,
		}, nil
	case http.StatusNotFound:
		return Unknown(), nil
	case http.StatusTooManyRequests:
		return Result{}, ErrQuotaExceeded
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, &ClientError{
			Provider:   v.Name(),
			StatusCode: resp.StatusCode,
			Err:        errors.New(strings.TrimSpace(string(body))),
		}
	}
}

func virusTotalPath(ind ioc.Indicator) (string, error) {
	switch ind.Kind {
	case ioc.KindIPv4:
		return "/ip_addresses/" + ind.Value, nil
	case ioc.KindURL:
		return "/urls/" + URLIdentifier(ind.Value), nil
	default:
		return "", fmt.Errorf("unsupported indicator kind %q", ind.Kind)
	}
}

// URLIdentifier is the VirusTotal URL id: URL-safe base64 without padding.
func URLIdentifier(u string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(u))
}

package reputation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sentinel-dpa/telegram-sentinel/internal/ioc"
)

const (
	defaultOTXURL      = "https://otx.alienvault.com/api/v1"
	otxIndicatorPortal = "https://otx.alienvault.com/indicator"
)

// OTX queries AlienVault OTX general indicator sections. OTX has no engine
// votes, so the pulse count is reported as both malicious and total: any
// pulse referencing the indicator counts as one malicious vote.
type OTX struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewOTX(opts ClientOptions) *OTX {
	base := opts.BaseURL
	if base == "" {
		base = defaultOTXURL
	}
	return &OTX{
		baseURL:    strings.TrimRight(base, "/"),
		apiKey:     opts.APIKey,
		httpClient: opts.httpClient(),
	}
}

func (o *OTX) Name() string { return "otx" }

type otxGeneral struct {
	PulseInfo struct {
		Count int `json:"count"`
	} `json:"pulse_info"`
}

func (o *OTX) Query(ctx context.Context, ind ioc.Indicator) (Result, error) {
	var section, portal string
	switch ind.Kind {
	case ioc.KindIPv4:
		section, portal = "IPv4", "ip"
	case ioc.KindURL:
		section, portal = "url", "url"
	default:
		return Result{}, &ClientError{Provider: o.Name(), Err: fmt.Errorf("unsupported indicator kind %q", ind.Kind)}
	}

	endpoint := fmt.Sprintf("%s/indicators/%s/%s/general", o.baseURL, section, url.PathEscape(ind.Value))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Result{}, &ClientError{Provider: o.Name(), Err: err}
	}
	req.Header.Set("X-OTX-API-KEY", o.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return Result{}, &ClientError{Provider: o.Name(), Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var g otxGeneral
		if err := json.NewDecoder(resp.Body).Decode(&g); err != nil {
			return Result{}, &ClientError{Provider: o.Name(), Err: fmt.Errorf("decode response: %w", err)}
		}
		return Result{
			Malicious:    g.PulseInfo.Count,
			TotalEngines: g.PulseInfo.Count,
			Permalink:    fmt.Sprintf("%s/%s/%s", otxIndicatorPortal, portal, url.PathEscape(ind.Value)),
		}, nil
	case http.StatusNotFound:
		return Unknown(), nil
	case http.StatusTooManyRequests:
		return Result{}, ErrQuotaExceeded
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, &ClientError{
			Provider:   o.Name(),
			StatusCode: resp.StatusCode,
			Err:        errors.New(strings.TrimSpace(string(body))),
		}
	}
}

// Package reputation checks indicators against external reputation services
// and memoizes the answers for a retention window.
package reputation

import (
	"context"
	"errors"
	"fmt"

	"github.com/sentinel-dpa/telegram-sentinel/internal/ioc"
)

// UnknownPermalink is the permalink of a synthesized result for an
// indicator the service has never seen.
const UnknownPermalink = "N/A"

// Result is the normalized verdict for one indicator.
type Result struct {
	Malicious    int    `json:"malicious"`
	TotalEngines int    `json:"total_engines"`
	Permalink    string `json:"permalink"`
}

// Unknown is returned when the service answers "not found". It is treated as
// clean, which conflates never-seen with confirmed-clean.
func Unknown() Result {
	return Result{Malicious: 0, TotalEngines: 0, Permalink: UnknownPermalink}
}

// IsUnknown reports whether r is the synthesized not-found result.
func (r Result) IsUnknown() bool {
	return r.TotalEngines == 0 && r.Permalink == UnknownPermalink
}

// IsMalicious applies the vote threshold.
func (r Result) IsMalicious(threshold int) bool {
	return r.Malicious >= threshold
}

// ErrQuotaExceeded means the API key ran out of quota (HTTP 429). Callers
// skip the indicator and must not cache anything for it.
var ErrQuotaExceeded = errors.New("reputation quota exceeded")

// ClientError covers any non-200/404/429 status, transport failure or
// undecodable body. The indicator is skipped.
type ClientError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *ClientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: unexpected status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ClientError) Unwrap() error { return e.Err }

// Provider queries one reputation service. Implementations never retry.
type Provider interface {
	Name() string
	Query(ctx context.Context, ind ioc.Indicator) (Result, error)
}

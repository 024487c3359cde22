package reputation

import (
	"fmt"
	"strings"
)

// NewProvider builds a Provider by name.
func NewProvider(name string, opts ClientOptions) (Provider, error) {
	switch normalize(name) {
	case "virustotal", "":
		if opts.APIKey == "" {
			return nil, fmt.Errorf("virustotal: api key is required")
		}
		return NewVirusTotal(opts), nil
	case "otx":
		if opts.APIKey == "" {
			return nil, fmt.Errorf("otx: api key is required")
		}
		return NewOTX(opts), nil
	default:
		return nil, fmt.Errorf("unknown reputation provider: %s", name)
	}
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "vt":
		return "virustotal"
	case "alienvault", "alienvault-otx":
		return "otx"
	default:
		return s
	}
}

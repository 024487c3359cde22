// Package ioc pulls candidate indicators of compromise out of free chat text.
package ioc

import (
	"regexp"
	"strings"
)

// Kind identifies the indicator family.
type Kind string

const (
	KindIPv4 Kind = "ip"
	KindURL  Kind = "url"
)

// Indicator is a single candidate IoC. Value is the literal substring matched
// in the source text; it is never normalized.
type Indicator struct {
	Kind  Kind   `json:"kind"`
	Value string `json:"value"`
}

func (i Indicator) String() string {
	return string(i.Kind) + ":" + i.Value
}

var (
	// Four dot-separated groups of 1-3 digits. Octet ranges are not validated,
	// so 999.999.999.999 matches.
	ipv4Pattern = regexp.MustCompile(`\b(?:[0-9]{1,3}\.){3}[0-9]{1,3}\b`)
	urlPattern  = regexp.MustCompile(`https?://[^\s]+`)
	ipv4Exact   = regexp.MustCompile(`^(?:[0-9]{1,3}\.){3}[0-9]{1,3}$`)

	// Only loopback and the 192.168/16 block are dropped. 10/8 and 172.16/12
	// pass through.
	privatePrefixes = []string{"127.", "192.168."}
)

// Extract returns the IPv4 and URL indicators found in text, deduplicated by
// exact value in first-seen order. All IPv4 matches come before URL matches.
func Extract(text string) []Indicator {
	var out []Indicator
	seen := make(map[string]bool)

	add := func(kind Kind, v string) {
		if seen[v] {
			return
		}
		seen[v] = true
		out = append(out, Indicator{Kind: kind, Value: v})
	}

	for _, ip := range ipv4Pattern.FindAllString(text, -1) {
		if isPrivate(ip) {
			continue
		}
		add(KindIPv4, ip)
	}
	for _, u := range urlPattern.FindAllString(text, -1) {
		add(KindURL, u)
	}
	return out
}

// KindOf classifies a single operator-supplied value. It reports false when
// the value is neither an IPv4 literal nor an http(s) URL.
func KindOf(value string) (Kind, bool) {
	value = strings.TrimSpace(value)
	switch {
	case strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://"):
		return KindURL, true
	case ipv4Exact.MatchString(value):
		return KindIPv4, true
	default:
		return "", false
	}
}

func isPrivate(ip string) bool {
	for _, p := range privatePrefixes {
		if strings.HasPrefix(ip, p) {
			return true
		}
	}
	return false
}

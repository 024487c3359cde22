package ioc

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract_MixedMessage(t *testing.T) {
	got := Extract("check this http://bad.example/x and 8.8.8.8")

	require.Len(t, got, 2)
	assert.Equal(t, Indicator{Kind: KindIPv4, Value: "8.8.8.8"}, got[0])
	assert.Equal(t, Indicator{Kind: KindURL, Value: "http://bad.example/x"}, got[1])
}

func TestExtract_DropsLoopbackAndHomeRanges(t *testing.T) {
	got := Extract("127.0.0.1 192.168.1.10 10.0.0.1 172.16.4.4 1.2.3.4")

	var values []string
	for _, i := range got {
		values = append(values, i.Value)
	}
	assert.Equal(t, []string{"10.0.0.1", "172.16.4.4", "1.2.3.4"}, values)
}

func TestExtract_AcceptsOutOfRangeOctets(t *testing.T) {
	got := Extract("weird 999.999.999.999 host")
	require.Len(t, got, 1)
	assert.Equal(t, "999.999.999.999", got[0].Value)
}

func TestExtract_DedupesPreservingOrder(t *testing.T) {
	text := "https://a.example https://b.example 5.5.5.5 https://a.example 4.4.4.4 5.5.5.5"
	got := Extract(text)

	assert.Equal(t, []Indicator{
		{Kind: KindIPv4, Value: "5.5.5.5"},
		{Kind: KindIPv4, Value: "4.4.4.4"},
		{Kind: KindURL, Value: "https://a.example"},
		{Kind: KindURL, Value: "https://b.example"},
	}, got)
}

func TestExtract_NoNormalization(t *testing.T) {
	got := Extract("http://Example.com/ http://example.com")
	require.Len(t, got, 2)
	assert.Equal(t, "http://Example.com/", got[0].Value)
	assert.Equal(t, "http://example.com", got[1].Value)
}

func TestExtract_URLRunsToWhitespace(t *testing.T) {
	got := Extract("grab https://x.example/p?a=1&b=(2),\nnext line")
	require.Len(t, got, 1)
	assert.Equal(t, "https://x.example/p?a=1&b=(2),", got[0].Value)
}

func TestExtract_EmptyAndPlainText(t *testing.T) {
	assert.Empty(t, Extract(""))
	assert.Empty(t, Extract("nothing to see here, version 1.2.3"))
}

func TestExtract_Properties(t *testing.T) {
	inputs := []string{
		"127.0.0.1 127.1.1.1 192.168.0.1 8.8.8.8 8.8.8.8",
		"http://192.168.1.1/admin and http://1.1.1.1/x",
		strings.Repeat("https://dup.example ", 20),
		"mixed 200.1.1.1, https://z.example; 127.0.0.2.",
	}
	for _, in := range inputs {
		first := Extract(in)
		second := Extract(in)
		assert.Equal(t, first, second, "extract must be idempotent for %q", in)

		seen := map[string]bool{}
		for _, i := range first {
			assert.False(t, seen[i.Value], "duplicate %q in %q", i.Value, in)
			seen[i.Value] = true
			if i.Kind == KindIPv4 {
				assert.False(t, strings.HasPrefix(i.Value, "127."), i.Value)
				assert.False(t, strings.HasPrefix(i.Value, "192.168."), i.Value)
			}
		}
	}
}

func TestKindOf(t *testing.T) {
	k, ok := KindOf("8.8.4.4")
	assert.True(t, ok)
	assert.Equal(t, KindIPv4, k)

	k, ok = KindOf(" https://evil.example/a ")
	assert.True(t, ok)
	assert.Equal(t, KindURL, k)

	_, ok = KindOf("evil.example")
	assert.False(t, ok)
}

package router

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"sniproxy/internal/sniff"
)

func TestParseAndMatch(t *testing.T) {
	text := `
# comment
when sni_contains api. then 10.0.0.5:8443
when host_contains admin. then 10.0.0.9:8080

when alpn_contains h2 then 10.0.0.7:443
`
	set, err := Parse(strings.NewReader(text))
	require.NoError(t, err)
	require.Len(t, set.Rules, 3)

	backend, ok := set.Match(sniff.Result{Protocol: "tls", Hostname: "api.example.com"})
	require.True(t, ok)
	require.Equal(t, "10.0.0.5:8443", backend)

	backend, ok = set.Match(sniff.Result{Protocol: "http", Hostname: "admin.example.com"})
	require.True(t, ok)
	require.Equal(t, "10.0.0.9:8080", backend)

	backend, ok = set.Match(sniff.Result{Protocol: "tls", Hostname: "other.example.com", ALPN: []string{"h2"}})
	require.True(t, ok)
	require.Equal(t, "10.0.0.7:443", backend)
}

func TestMatchFallsBackToDefault(t *testing.T) {
	set := Set{Default: "10.0.0.1:443"}
	backend, ok := set.Match(sniff.Result{Protocol: "tls", Hostname: "unmatched.example.com"})
	require.True(t, ok)
	require.Equal(t, "10.0.0.1:443", backend)
}

func TestMatchNoDefaultNoMatch(t *testing.T) {
	set := Set{}
	_, ok := set.Match(sniff.Result{Protocol: "tls", Hostname: "nowhere.example.com"})
	require.False(t, ok)
}

func TestParseRejectsBadSyntax(t *testing.T) {
	_, err := Parse(strings.NewReader("sni_contains api then 1.2.3.4:443"))
	require.Error(t, err)

	_, err = Parse(strings.NewReader("when sni_contains api.example.com"))
	require.Error(t, err)

	_, err = Parse(strings.NewReader("when unsupported_field x then 1.2.3.4:443"))
	require.Error(t, err)
}

func TestFirstMatchWins(t *testing.T) {
	text := "when sni_contains example then 1.1.1.1:443\nwhen sni_contains example.com then 2.2.2.2:443\n"
	set, err := Parse(strings.NewReader(text))
	require.NoError(t, err)
	backend, ok := set.Match(sniff.Result{Protocol: "tls", Hostname: "www.example.com"})
	require.True(t, ok)
	require.Equal(t, "1.1.1.1:443", backend)
}

package router

import (
	"testing"

	"github.com/stretchr/testify/require"

	"sniproxy/internal/sniff"
)

func TestResolverReplaceTakesEffect(t *testing.T) {
	r := NewResolver(Set{Default: "10.0.0.1:443"})

	backend, ok := r.Resolve(sniff.Result{Protocol: "tls", Hostname: "anything"})
	require.True(t, ok)
	require.Equal(t, "10.0.0.1:443", backend)

	r.Replace(Set{Default: "10.0.0.2:443"})
	backend, ok = r.Resolve(sniff.Result{Protocol: "tls", Hostname: "anything"})
	require.True(t, ok)
	require.Equal(t, "10.0.0.2:443", backend)
}

func TestResolverCurrentReflectsActiveSet(t *testing.T) {
	initial := Set{Default: "a:1"}
	r := NewResolver(initial)
	require.Equal(t, "a:1", r.Current().Default)

	r.Replace(Set{Default: "b:2"})
	require.Equal(t, "b:2", r.Current().Default)
}

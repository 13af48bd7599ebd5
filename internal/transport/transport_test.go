package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mersea/llm-relay/internal/account"
)

func TestPoolSharesDirectTransport(t *testing.T) {
	p := NewPool(30 * time.Second)
	defer p.Close()

	a := &account.Account{ID: "a"}
	b := &account.Account{ID: "b"}

	require.Same(t, p.roundTripper(a), p.roundTripper(b))
	require.Len(t, p.entries, 1)
}

func TestPoolSplitsByProxyEndpoint(t *testing.T) {
	p := NewPool(30 * time.Second)
	defer p.Close()

	direct := &account.Account{ID: "a"}
	socks := &account.Account{ID: "b", Proxy: &account.ProxyConfig{Scheme: "socks5", Host: "127.0.0.1", Port: 1080}}
	connect := &account.Account{ID: "c", Proxy: &account.ProxyConfig{Scheme: "http", Host: "127.0.0.1", Port: 8080}}

	p.roundTripper(direct)
	p.roundTripper(socks)
	p.roundTripper(connect)
	require.Len(t, p.entries, 3)

	// Same proxy endpoint on a different account reuses the entry.
	p.roundTripper(&account.Account{ID: "d", Proxy: socks.Proxy})
	require.Len(t, p.entries, 3)
}

func TestEvictDropsIdleEntries(t *testing.T) {
	p := NewPool(30 * time.Second)
	defer p.Close()

	p.roundTripper(&account.Account{ID: "a"})
	p.mu.Lock()
	p.entries["direct"].lastUsed = time.Now().Add(-time.Hour)
	p.mu.Unlock()

	p.evict(5 * time.Minute)
	require.Empty(t, p.entries)
}

func TestClientTimeouts(t *testing.T) {
	p := NewPool(42 * time.Second)
	defer p.Close()

	a := &account.Account{ID: "a"}
	require.Equal(t, 42*time.Second, p.Client(a).Timeout)
	require.Zero(t, p.StreamClient(a).Timeout)
}

// Package transport builds per-account HTTP clients. Direct connections
// speak HTTP/2 over a utls Chrome handshake; proxied accounts tunnel
// through SOCKS5 or HTTP CONNECT and are keyed by proxy endpoint so
// unrelated accounts never share a connection pool.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"

	"github.com/mersea/llm-relay/internal/account"
)

type poolEntry struct {
	rt       http.RoundTripper
	lastUsed time.Time
}

// Pool caches round trippers per upstream path (direct, or one per proxy
// endpoint) and evicts idle ones in the background.
type Pool struct {
	mu             sync.Mutex
	entries        map[string]*poolEntry
	requestTimeout time.Duration
}

func NewPool(requestTimeout time.Duration) *Pool {
	return &Pool{
		entries:        make(map[string]*poolEntry),
		requestTimeout: requestTimeout,
	}
}

// Client returns an HTTP client for non-streaming calls, bounded by the
// pool's request timeout.
func (p *Pool) Client(acct *account.Account) *http.Client {
	return &http.Client{
		Transport: p.roundTripper(acct),
		Timeout:   p.requestTimeout,
	}
}

// StreamClient returns an HTTP client with no client-level deadline.
// Streaming responses are bounded by the request context instead.
func (p *Pool) StreamClient(acct *account.Account) *http.Client {
	return &http.Client{Transport: p.roundTripper(acct)}
}

func (p *Pool) roundTripper(acct *account.Account) http.RoundTripper {
	key := poolKey(acct)

	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.entries[key]; ok {
		entry.lastUsed = time.Now()
		return entry.rt
	}

	rt := buildRoundTripper(acct.Proxy)
	p.entries[key] = &poolEntry{rt: rt, lastUsed: time.Now()}
	return rt
}

// RunCleanup evicts round trippers idle longer than idleTimeout. Blocks
// until ctx is canceled.
func (p *Pool) RunCleanup(ctx context.Context, interval, idleTimeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.evict(idleTimeout)
		}
	}
}

func (p *Pool) evict(idleTimeout time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().Add(-idleTimeout)
	for key, entry := range p.entries {
		if entry.lastUsed.Before(cutoff) {
			closeIdle(entry.rt)
			delete(p.entries, key)
		}
	}
}

// Close drops every pooled round tripper.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, entry := range p.entries {
		closeIdle(entry.rt)
		delete(p.entries, key)
	}
}

func closeIdle(rt http.RoundTripper) {
	if t, ok := rt.(interface{ CloseIdleConnections() }); ok {
		t.CloseIdleConnections()
	}
}

func poolKey(acct *account.Account) string {
	if acct.Proxy == nil {
		return "direct"
	}
	return fmt.Sprintf("%s://%s:%d", acct.Proxy.Scheme, acct.Proxy.Host, acct.Proxy.Port)
}

func buildRoundTripper(pcfg *account.ProxyConfig) http.RoundTripper {
	if pcfg != nil {
		return &http.Transport{
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     5 * time.Minute,
			DialTLSContext:      tunnelDialer(pcfg),
		}
	}
	// Direct path uses http2.Transport so the utls UConn does not have
	// to masquerade as a *tls.Conn.
	return &http2.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return dialDirect(ctx, network, addr)
		},
	}
}

func dialDirect(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	dialer := &net.Dialer{}
	rawConn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return handshake(ctx, rawConn, host)
}

// handshake upgrades a raw connection with a Chrome-fingerprint TLS
// client hello.
func handshake(ctx context.Context, rawConn net.Conn, serverName string) (net.Conn, error) {
	tlsConn := utls.UClient(rawConn, &utls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}, utls.HelloChrome_Auto)

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, err
	}
	return tlsConn, nil
}

func tunnelDialer(pcfg *account.ProxyConfig) func(ctx context.Context, network, addr string) (net.Conn, error) {
	if pcfg.Scheme == "socks5" {
		return socks5Dialer(pcfg)
	}
	return connectDialer(pcfg)
}

func socks5Dialer(pcfg *account.ProxyConfig) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		proxyAddr := fmt.Sprintf("%s:%d", pcfg.Host, pcfg.Port)

		var auth *proxy.Auth
		if pcfg.Username != "" {
			auth = &proxy.Auth{User: pcfg.Username, Password: pcfg.Password}
		}
		dialer, err := proxy.SOCKS5("tcp", proxyAddr, auth, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("socks5 dialer: %w", err)
		}
		rawConn, err := dialer.Dial(network, addr)
		if err != nil {
			return nil, fmt.Errorf("socks5 dial: %w", err)
		}

		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			rawConn.Close()
			return nil, err
		}
		return handshake(ctx, rawConn, host)
	}
}

func connectDialer(pcfg *account.ProxyConfig) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		proxyAddr := fmt.Sprintf("%s:%d", pcfg.Host, pcfg.Port)

		dialer := &net.Dialer{}
		rawConn, err := dialer.DialContext(ctx, "tcp", proxyAddr)
		if err != nil {
			return nil, fmt.Errorf("proxy tcp dial: %w", err)
		}

		connectReq := &http.Request{
			Method: http.MethodConnect,
			URL:    &url.URL{Opaque: addr},
			Host:   addr,
			Header: make(http.Header),
		}
		if pcfg.Username != "" {
			cred := base64.StdEncoding.EncodeToString([]byte(pcfg.Username + ":" + pcfg.Password))
			connectReq.Header.Set("Proxy-Authorization", "Basic "+cred)
		}

		if err := connectReq.Write(rawConn); err != nil {
			rawConn.Close()
			return nil, fmt.Errorf("proxy CONNECT write: %w", err)
		}
		resp, err := http.ReadResponse(bufio.NewReader(rawConn), connectReq)
		if err != nil {
			rawConn.Close()
			return nil, fmt.Errorf("proxy CONNECT read: %w", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			rawConn.Close()
			return nil, fmt.Errorf("proxy CONNECT failed: %s", resp.Status)
		}

		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			rawConn.Close()
			return nil, err
		}
		return handshake(ctx, rawConn, host)
	}
}

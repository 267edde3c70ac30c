// Package wikiclient implements the Wiki Client Pool (spec.md §4.5): at most
// one authenticated HTTP client per wiki, lazily constructed and reused
// across concurrent callers.
//
// spec.md §9 flags "Singleton with mutable global state" for
// re-architecture into an explicitly-constructed, passed-in object — Pool is
// that object, with a mutex-guarded map standing in for the per-wiki
// memoization rather than a package-level global.
package wikiclient

import (
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"

	"github.com/ChlodAlejandro/deputy-dispatch/internal/version"
)

// Pool lazily builds and reuses one *http.Client per wiki dbname.
type Pool struct {
	token  string
	mu     sync.Mutex
	byWiki map[string]*http.Client
}

// New constructs a Pool. token is the OAuth bearer token (spec.md §6,
// DISPATCH_SELF_OAUTH_ACCESS_TOKEN) attached to every outbound request.
func New(token string) *Pool {
	return &Pool{token: token, byWiki: make(map[string]*http.Client)}
}

// For returns the client for dbname, constructing and caching it on first
// use. Concurrent callers for the same dbname share one client.
func (p *Pool) For(dbname string) *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.byWiki[dbname]; ok {
		return c
	}
	c := p.newClient(dbname)
	p.byWiki[dbname] = c
	return c
}

func (p *Pool) newClient(dbname string) *http.Client {
	base := &http.Transport{
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     30 * time.Second,
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "wikiclient:" + dbname,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	transport := &userAgentTransport{
		next: &breakerTransport{next: base, breaker: breaker},
	}

	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: p.token, TokenType: "Bearer"})
	oauthTransport := &oauth2.Transport{Base: transport, Source: src}

	return &http.Client{Transport: oauthTransport, Timeout: 30 * time.Second}
}

// userAgentTransport stamps the fixed Dispatch user-agent on every request,
// per spec.md §6.
type userAgentTransport struct {
	next http.RoundTripper
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	cloned := req.Clone(req.Context())
	cloned.Header.Set("User-Agent", version.UserAgent())
	return t.next.RoundTrip(cloned)
}

// breakerTransport wraps an http.RoundTripper with a circuit breaker so a
// wiki whose API is down trips open instead of queuing requests behind a
// dead upstream, per the suspension-point concurrency model in spec.md §5.
type breakerTransport struct {
	next    http.RoundTripper
	breaker *gobreaker.CircuitBreaker
}

func (t *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.breaker.Execute(func() (interface{}, error) {
		return t.next.RoundTrip(req)
	})
	if err != nil {
		return nil, err
	}
	return resp.(*http.Response), nil
}

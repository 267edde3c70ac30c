// Package siteregistry implements the Site Registry (spec.md §4.1): it
// downloads and indexes the catalogue of known wikis and answers
// dbname/hostname/origin lookups against an atomically-swapped snapshot.
//
// Concurrent refreshes are collapsed into a single network round trip with
// golang.org/x/sync/singleflight, the idiomatic replacement spec.md §9 calls
// for in place of a "Promise with external resolver" pattern.
package siteregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Wiki is the immutable descriptor for one wiki, per spec.md §3.
type Wiki struct {
	DBName   string `json:"dbname"`
	BaseURL  string `json:"url"`
	Lang     string `json:"lang"`
	Private  bool   `json:"private"`
	Closed   bool   `json:"closed"`
	Fishbowl bool   `json:"fishbowl"`
	NonGlobal bool  `json:"nonglobal"`
}

// ErrUpstreamUnavailable is returned by Refresh when the catalogue endpoint
// cannot be reached or parsed; the previous snapshot (if any) is untouched.
var ErrUpstreamUnavailable = fmt.Errorf("site registry: upstream unavailable")

// Kind selects which index Get consults.
type Kind int

const (
	// ByDBName looks the wiki up by its database name.
	ByDBName Kind = iota
	// ByHostname looks the wiki up by its public hostname.
	ByHostname
)

type snapshot struct {
	byDBName   map[string]Wiki
	byHostname map[string]Wiki
}

// Registry answers dbname -> Wiki, hostname -> Wiki, and origin -> Wiki
// lookups against the wiki catalogue.
type Registry struct {
	endpoint string
	client   *http.Client

	current atomic.Pointer[snapshot]
	group   singleflight.Group
}

// New constructs a Registry that fetches its catalogue from endpoint.
func New(endpoint string, client *http.Client) *Registry {
	if client == nil {
		client = http.DefaultClient
	}
	return &Registry{endpoint: endpoint, client: client}
}

// Refresh fetches the full catalogue and atomically replaces the current
// snapshot. A single in-flight refresh is shared by concurrent callers.
func (r *Registry) Refresh(ctx context.Context) error {
	_, err, _ := r.group.Do("refresh", func() (interface{}, error) {
		snap, ferr := r.fetch(ctx)
		if ferr != nil {
			return nil, ferr
		}
		r.current.Store(snap)
		return nil, nil
	})
	return err
}

func (r *Registry) fetch(ctx context.Context) (*snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUpstreamUnavailable, resp.StatusCode)
	}

	var wikis []Wiki
	if err := json.NewDecoder(resp.Body).Decode(&wikis); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	snap := &snapshot{
		byDBName:   make(map[string]Wiki, len(wikis)),
		byHostname: make(map[string]Wiki, len(wikis)),
	}
	for _, w := range wikis {
		snap.byDBName[w.DBName] = w
		if host := hostOf(w.BaseURL); host != "" {
			snap.byHostname[host] = w
		}
	}
	return snap, nil
}

// Get returns the descriptor for key under the given Kind, lazily refreshing
// the registry if no snapshot has been fetched yet. It returns false if the
// key is unknown.
func (r *Registry) Get(ctx context.Context, key string, kind Kind) (Wiki, bool, error) {
	snap := r.current.Load()
	if snap == nil {
		if err := r.Refresh(ctx); err != nil {
			return Wiki{}, false, err
		}
		snap = r.current.Load()
	}
	var (
		w  Wiki
		ok bool
	)
	switch kind {
	case ByDBName:
		w, ok = snap.byDBName[key]
	case ByHostname:
		w, ok = snap.byHostname[key]
	}
	return w, ok, nil
}

// GetByOrigin resolves an HTTP Origin header value (a full URL) to a wiki.
func (r *Registry) GetByOrigin(ctx context.Context, origin string) (Wiki, bool, error) {
	host := hostOf(origin)
	if host == "" {
		return Wiki{}, false, nil
	}
	return r.Get(ctx, host, ByHostname)
}

// Flush drops the current snapshot; the next lookup will re-fetch.
func (r *Registry) Flush() {
	r.current.Store(nil)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}

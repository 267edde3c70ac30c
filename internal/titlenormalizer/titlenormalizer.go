// Package titlenormalizer implements the per-wiki Title Normalizer
// (spec.md §4.2): it produces canonical prefixed titles and main text given
// a namespace id and a raw title, fetching namespace metadata on demand and
// caching it indefinitely.
package titlenormalizer

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
)

// ErrBadTitle is returned when raw input violates the legal-character set
// for titles on a wiki.
var ErrBadTitle = fmt.Errorf("titlenormalizer: bad title")

// Namespace is the per-wiki namespace descriptor (spec.md §3).
type Namespace struct {
	ID             int
	Canonical      string
	Localized      string
	CaseSensitive  bool
	Content        bool
	AllowSubpages  bool
	Right          string // optional namespace-wide right, empty if none
}

// Title is the result of normalizing a raw title within a namespace.
type Title struct {
	PrefixedText string
	MainText     string
}

// wikiMeta holds everything fetched once per wiki.
type wikiMeta struct {
	namespaces   map[int]Namespace
	aliases      map[string]int // lowercased alias -> namespace id
	legalChars   string
}

// FetchFunc retrieves namespace metadata and the legal-title-character set
// for a wiki API base URL. Swappable for tests; production wiring points it
// at the MediaWiki siteinfo action API.
type FetchFunc func(ctx context.Context, client *http.Client, apiBaseURL string) (namespaces []Namespace, aliases map[string]int, legalChars string, err error)

// Normalizer caches per-wiki Titler instances, fetching namespace metadata
// lazily on first use and holding it indefinitely (explicit Flush required).
type Normalizer struct {
	client *http.Client
	fetch  FetchFunc

	mu    sync.RWMutex
	cache map[string]*Titler
}

// New constructs a Normalizer. fetch supplies namespace metadata per wiki.
func New(client *http.Client, fetch FetchFunc) *Normalizer {
	if client == nil {
		client = http.DefaultClient
	}
	return &Normalizer{client: client, fetch: fetch, cache: make(map[string]*Titler)}
}

// ForWiki returns a per-wiki Titler, fetching namespace metadata if absent.
func (n *Normalizer) ForWiki(ctx context.Context, dbname, apiBaseURL string) (*Titler, error) {
	n.mu.RLock()
	if t, ok := n.cache[dbname]; ok {
		n.mu.RUnlock()
		return t, nil
	}
	n.mu.RUnlock()

	namespaces, aliases, legalChars, err := n.fetch(ctx, n.client, apiBaseURL)
	if err != nil {
		return nil, fmt.Errorf("titlenormalizer: fetch namespaces for %s: %w", dbname, err)
	}

	byID := make(map[int]Namespace, len(namespaces))
	for _, ns := range namespaces {
		byID[ns.ID] = ns
	}
	t := &Titler{meta: wikiMeta{namespaces: byID, aliases: aliases, legalChars: legalChars}}

	n.mu.Lock()
	if existing, ok := n.cache[dbname]; ok {
		n.mu.Unlock()
		return existing, nil
	}
	n.cache[dbname] = t
	n.mu.Unlock()

	return t, nil
}

// Flush drops all cached per-wiki metadata.
func (n *Normalizer) Flush() {
	n.mu.Lock()
	n.cache = make(map[string]*Titler)
	n.mu.Unlock()
}

// Titler is a per-wiki title canonicalizer.
type Titler struct {
	meta wikiMeta
}

// MakeTitle produces the canonical prefixed text and main text for raw
// within namespace ns, applying the namespace's case convention.
func (t *Titler) MakeTitle(ns int, raw string) (Title, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.ReplaceAll(raw, " ", "_")
	if raw == "" {
		return Title{}, fmt.Errorf("%w: empty title", ErrBadTitle)
	}
	if t.meta.legalChars != "" && !isLegal(raw, t.meta.legalChars) {
		return Title{}, fmt.Errorf("%w: %q contains illegal characters", ErrBadTitle, raw)
	}

	nsDesc, ok := t.meta.namespaces[ns]
	mainText := raw
	if ok && !nsDesc.CaseSensitive {
		mainText = ucFirst(mainText)
	}

	prefixed := mainText
	if ok && nsDesc.Canonical != "" {
		prefixed = nsDesc.Canonical + ":" + mainText
	}

	return Title{PrefixedText: strings.ReplaceAll(prefixed, "_", " "), MainText: strings.ReplaceAll(mainText, "_", " ")}, nil
}

// ResolveNamespaceAlias resolves a namespace alias (including localized
// names) to its canonical namespace id.
func (t *Titler) ResolveNamespaceAlias(alias string) (int, bool) {
	id, ok := t.meta.aliases[strings.ToLower(strings.TrimSpace(alias))]
	return id, ok
}

func ucFirst(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = []rune(strings.ToUpper(string(r[0])))[0]
	return string(r)
}

func isLegal(s, legalChars string) bool {
	re, err := regexp.Compile("^[_" + legalChars + "]*$")
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

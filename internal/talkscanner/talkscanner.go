// Package talkscanner implements the Talk-Page Scanner (spec.md §4.10): a
// linear history walk over a page that emits an event each time a filter's
// match count changes between adjacent revisions.
package talkscanner

import (
	"context"
	"fmt"
	"strings"

	"github.com/dlclark/regexp2"
)

// Action discriminates a MatchEvent.
type Action string

const (
	ActionAdd    Action = "add"
	ActionRemove Action = "remove"
)

// MatchEvent is emitted when a filter's match count changes between two
// adjacent revisions.
type MatchEvent struct {
	RevID      int64
	FilterName string
	Action     Action
	// Matched holds the substrings seen in the current revision for an add
	// event; empty for remove events, per spec.md §4.10 step 2.
	Matched []string
}

// Filter is a sum type over exact string / string set / compiled regex. The
// zero value is invalid; construct with one of the Filter* functions.
type Filter struct {
	name    string
	kind    filterKind
	literal string
	set     []string
	regex   *regexp2.Regexp
}

type filterKind int

const (
	filterLiteral filterKind = iota
	filterSet
	filterRegex
)

// FilterLiteral matches name against a single literal substring.
func FilterLiteral(name, literal string) Filter {
	return Filter{name: name, kind: filterLiteral, literal: literal}
}

// FilterSet matches name against any of a set of literal substrings.
func FilterSet(name string, set []string) Filter {
	return Filter{name: name, kind: filterSet, set: set}
}

// ErrInvalidFilter is returned by FilterRegex when pattern does not compile.
var ErrInvalidFilter = fmt.Errorf("talkscanner: invalid filter")

// FilterRegex compiles pattern as a "globalized" regex: Singleline mode, so
// '.' matches newlines and the whole content is treated as one searchable
// blob, matching spec.md §4.10's "regexes are globalized" requirement.
func FilterRegex(name, pattern string) (Filter, error) {
	re, err := regexp2.Compile(pattern, regexp2.Singleline)
	if err != nil {
		return Filter{}, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	return Filter{name: name, kind: filterRegex, regex: re}, nil
}

// Name returns the filter's caller-assigned label.
func (f Filter) Name() string { return f.name }

// matches returns every matched substring (with repetition) of f within
// content.
func (f Filter) matches(content string) []string {
	switch f.kind {
	case filterLiteral:
		return countLiteral(content, f.literal)
	case filterSet:
		var out []string
		for _, lit := range f.set {
			out = append(out, countLiteral(content, lit)...)
		}
		return out
	case filterRegex:
		return matchAllRegex(f.regex, content)
	default:
		return nil
	}
}

func countLiteral(content, literal string) []string {
	if literal == "" {
		return nil
	}
	var out []string
	rest := content
	for {
		idx := strings.Index(rest, literal)
		if idx < 0 {
			break
		}
		out = append(out, literal)
		rest = rest[idx+len(literal):]
	}
	return out
}

func matchAllRegex(re *regexp2.Regexp, content string) []string {
	var out []string
	m, err := re.FindStringMatch(content)
	for err == nil && m != nil {
		out = append(out, m.String())
		m, err = re.FindNextMatch(m)
	}
	return out
}

// Revision is the minimal slot shape the scanner needs per history entry.
// Content is nil for a deleted/null slot, per spec.md §4.10's final
// paragraph.
type Revision struct {
	RevID   int64
	Content *string
}

// HistoryPage is one page of paged history results.
type HistoryPage struct {
	Revisions []Revision
	Done      bool
}

// HistoryFetcher supplies revisions oldest-first, one page at a time.
type HistoryFetcher interface {
	// FetchPage returns the next page after cursor (empty cursor means
	// start from the beginning) and the cursor for the following page.
	FetchPage(ctx context.Context, cursor string) (page HistoryPage, nextCursor string, err error)
	// TotalRevisions returns the replica-reported revision count for
	// progress reporting, per spec.md §4.10 step 4.
	TotalRevisions(ctx context.Context) (int, error)
}

// ProgressFunc receives processed/total after each fetched page.
type ProgressFunc func(processed, total int)

// Scan walks history oldest-first, diffing each revision's per-filter match
// counts against the previous revision and emitting events for filters
// whose count changed, per spec.md §4.10's algorithm.
func Scan(ctx context.Context, fetcher HistoryFetcher, filters []Filter, onProgress ProgressFunc) ([]MatchEvent, error) {
	var total int
	if onProgress != nil {
		t, err := fetcher.TotalRevisions(ctx)
		if err != nil {
			return nil, fmt.Errorf("talkscanner: total revisions: %w", err)
		}
		total = t
	}

	prevCounts := make(map[string]int, len(filters))
	var events []MatchEvent
	var processed int
	cursor := ""

	for {
		page, nextCursor, err := fetcher.FetchPage(ctx, cursor)
		if err != nil {
			return nil, fmt.Errorf("talkscanner: fetch page: %w", err)
		}

		for _, rev := range page.Revisions {
			if rev.Content == nil {
				// Deleted/null slot: skip without perturbing counts.
				continue
			}

			for _, f := range filters {
				matched := f.matches(*rev.Content)
				count := len(matched)
				prev := prevCounts[f.Name()]
				delta := count - prev
				prevCounts[f.Name()] = count

				switch {
				case delta > 0:
					for i := 0; i < delta; i++ {
						events = append(events, MatchEvent{
							RevID:      rev.RevID,
							FilterName: f.Name(),
							Action:     ActionAdd,
							Matched:    matched,
						})
					}
				case delta < 0:
					for i := 0; i < -delta; i++ {
						events = append(events, MatchEvent{
							RevID:      rev.RevID,
							FilterName: f.Name(),
							Action:     ActionRemove,
						})
					}
				}
			}
			processed++
		}

		if onProgress != nil {
			onProgress(processed, total)
		}

		if page.Done || nextCursor == "" {
			break
		}
		cursor = nextCursor
	}

	return events, nil
}

// Package revisionexpander implements the Revision Expander (spec.md §4.6):
// a staggered coalescer that buffers requested revision IDs, flushes them to
// the upstream API in bounded batches, and resolves per-ID promises.
//
// spec.md §9 flags two patterns here for re-architecture:
//   - "Promise with external resolver" -> a one-shot channel per id, owned
//     by the expander, written exactly once.
//   - "Re-entrant single-flight with a please-re-run flag" -> a canonical
//     bounded-queue worker: a single goroutine drains an internal queue and
//     repeats until it's empty, with the same bounded-batch/dedup/at-most-one
//     runner semantics.
package revisionexpander

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// PerBatch is the maximum number of revision IDs sent to the upstream API in
// a single request pass, per spec.md §4.6.
const PerBatch = 50

// ErrUpstream wraps an upstream API failure; all handles in the failing
// batch complete with this error.
var ErrUpstream = fmt.Errorf("revisionexpander: upstream error")

// ErrTimeout is returned when a batch does not resolve within the wall-clock
// budget (spec.md §5, ~10s).
var ErrTimeout = fmt.Errorf("revisionexpander: timeout")

// Page identifies the page a revision belongs to.
type Page struct {
	PageID        int64  `json:"pageid"`
	Namespace     int    `json:"ns"`
	PrefixedTitle string `json:"title"`
}

// HiddenFlags records which revision fields are suppressed/deleted.
type HiddenFlags struct {
	User    bool `json:"user"`
	Comment bool `json:"comment"`
	Text    bool `json:"text"`
}

// Revision is the expanded revision shape from spec.md §3. Missing is the
// sum-type discriminator: when true, only RevID is meaningful.
type Revision struct {
	RevID        int64       `json:"revid"`
	Missing      bool        `json:"missing,omitempty"`
	ParentID     int64       `json:"parentid,omitempty"`
	Minor        bool        `json:"minor,omitempty"`
	User         *string     `json:"user,omitempty"`
	Timestamp    *time.Time  `json:"timestamp,omitempty"`
	Size         int64       `json:"size,omitempty"`
	Comment      *string     `json:"comment,omitempty"`
	ParsedComment *string    `json:"parsedcomment,omitempty"`
	Tags         []string    `json:"tags,omitempty"`
	Page         Page        `json:"page,omitempty"`
	DiffSize      *int64     `json:"diffsize,omitempty"`
	Hidden       HiddenFlags `json:"hidden,omitempty"`
}

// Fetcher performs the two upstream passes the Expander needs. Production
// wiring implements this against the MediaWiki action API; tests supply a
// fake.
type Fetcher interface {
	// FetchProps returns per-id revision properties for the first pass.
	FetchProps(ctx context.Context, ids []int64) (map[int64]Revision, error)
	// FetchSizes returns just the byte size for each requested (possibly
	// parent) revision id, for the second pass.
	FetchSizes(ctx context.Context, ids []int64) (map[int64]int64, error)
}

type pending struct {
	id   int64
	done chan result
}

type result struct {
	rev Revision
	err error
}

// Expander buffers queue()d ids and flushes them in bounded batches.
type Expander struct {
	fetcher Fetcher
	timeout time.Duration

	mu      sync.Mutex
	queue   []pending
	waiters map[int64][]chan result // handles registered per id; cleared when the id's batch resolves
	running bool
	rerun   bool
}

// New constructs an Expander. timeout bounds each batch's resolution
// (spec.md §5, ~10s); zero means no bound.
func New(fetcher Fetcher, timeout time.Duration) *Expander {
	return &Expander{
		fetcher: fetcher,
		timeout: timeout,
		waiters: make(map[int64][]chan result),
	}
}

// Queue enqueues ids for expansion and returns a map of id -> a function
// that blocks until that id resolves. Every call creates a new handle per id.
// Repeated ids drained into the same batch are sent upstream once; a repeat
// that lands in a later batch is fetched again, and its handle is not shared
// with the earlier one.
func (e *Expander) Queue(ids []int64) map[int64]func(ctx context.Context) (Revision, error) {
	handles := make(map[int64]func(ctx context.Context) (Revision, error), len(ids))

	e.mu.Lock()
	for _, id := range ids {
		ch := make(chan result, 1)
		e.waiters[id] = append(e.waiters[id], ch)
		e.queue = append(e.queue, pending{id: id, done: ch})
		handles[id] = waitFunc(ch)
	}
	needRun := !e.running
	if !needRun {
		e.rerun = true
	} else {
		e.running = true
	}
	e.mu.Unlock()

	if needRun {
		go e.run()
	}

	return handles
}

func waitFunc(ch chan result) func(ctx context.Context) (Revision, error) {
	return func(ctx context.Context) (Revision, error) {
		select {
		case r := <-ch:
			return r.rev, r.err
		case <-ctx.Done():
			return Revision{}, ctx.Err()
		}
	}
}

// run is the single, at-most-one-instance worker draining the queue in
// bounded batches until it is empty, per spec.md §4.6 algorithm steps.
func (e *Expander) run() {
	for {
		e.mu.Lock()
		batch := e.drainLocked(PerBatch)
		e.mu.Unlock()

		if len(batch) > 0 {
			e.resolveBatch(batch)
		}

		e.mu.Lock()
		if e.rerun || len(e.queue) > 0 {
			e.rerun = false
			e.mu.Unlock()
			continue
		}
		e.running = false
		e.mu.Unlock()
		return
	}
}

func (e *Expander) drainLocked(n int) []pending {
	if len(e.queue) == 0 {
		return nil
	}
	if n > len(e.queue) {
		n = len(e.queue)
	}
	batch := e.queue[:n]
	e.queue = e.queue[n:]
	return batch
}

func (e *Expander) resolveBatch(batch []pending) {
	ids := make([]int64, 0, len(batch))
	seen := make(map[int64]bool, len(batch))
	for _, p := range batch {
		if !seen[p.id] {
			seen[p.id] = true
			ids = append(ids, p.id)
		}
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if e.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	revs, err := e.Request(ctx, ids)

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range batch {
		var r result
		if err != nil {
			wrap := ErrUpstream
			if ctx.Err() == context.DeadlineExceeded {
				wrap = ErrTimeout
			}
			r = result{err: fmt.Errorf("%w: %v", wrap, err)}
		} else if rev, ok := revs[p.id]; ok {
			r = result{rev: rev}
		} else {
			r = result{rev: Revision{RevID: p.id, Missing: true}}
		}
		p.done <- r
	}
	for _, id := range ids {
		delete(e.waiters, id)
	}
}

// Request is the synchronous batch path (spec.md §4.6): it issues two
// upstream passes, first {ids, timestamp, flags, comment, parsedcomment,
// user, size, tags}, then {parent-ids, size}; diffsize is computed as
// size - parent.size. Bad revids from the first pass become missing
// revisions.
func (e *Expander) Request(ctx context.Context, ids []int64) (map[int64]Revision, error) {
	if len(ids) == 0 {
		return map[int64]Revision{}, nil
	}

	props, err := e.fetcher.FetchProps(ctx, ids)
	if err != nil {
		return nil, err
	}

	parentIDs := make([]int64, 0, len(props))
	seenParents := make(map[int64]bool)
	for _, rev := range props {
		if rev.Missing || rev.ParentID == 0 {
			continue
		}
		if !seenParents[rev.ParentID] {
			seenParents[rev.ParentID] = true
			parentIDs = append(parentIDs, rev.ParentID)
		}
	}

	var parentSizes map[int64]int64
	if len(parentIDs) > 0 {
		parentSizes, err = e.fetcher.FetchSizes(ctx, parentIDs)
		if err != nil {
			return nil, err
		}
	}

	out := make(map[int64]Revision, len(ids))
	for _, id := range ids {
		rev, ok := props[id]
		if !ok {
			out[id] = Revision{RevID: id, Missing: true}
			continue
		}
		if !rev.Missing && rev.ParentID != 0 {
			if parentSize, ok := parentSizes[rev.ParentID]; ok {
				diff := rev.Size - parentSize
				rev.DiffSize = &diff
			}
		}
		out[id] = rev
	}
	return out, nil
}

// --- MediaWiki action-API fetcher -----------------------------------------

// APIFetcher implements Fetcher against the MediaWiki action API.
type APIFetcher struct {
	Client  *http.Client
	APIBase string
}

// FetchProps issues one query.php call for revision properties.
func (f *APIFetcher) FetchProps(ctx context.Context, ids []int64) (map[int64]Revision, error) {
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = strconv.FormatInt(id, 10)
	}

	q := url.Values{}
	q.Set("action", "query")
	q.Set("format", "json")
	q.Set("prop", "revisions")
	q.Set("rvprop", "ids|timestamp|flags|comment|parsedcomment|user|size|tags")
	q.Set("revids", strings.Join(strIDs, "|"))

	var body struct {
		Query struct {
			BadRevIDs map[string]struct {
				RevID int64 `json:"revid"`
			} `json:"badrevids"`
			Pages map[string]struct {
				PageID int64  `json:"pageid"`
				NS     int    `json:"ns"`
				Title  string `json:"title"`
				Revisions []struct {
					RevID         int64    `json:"revid"`
					ParentID      int64    `json:"parentid"`
					Minor         bool     `json:"minor"`
					User          *string  `json:"user"`
					UserHidden    bool     `json:"userhidden"`
					Timestamp     string   `json:"timestamp"`
					Size          int64    `json:"size"`
					Comment       *string  `json:"comment"`
					CommentHidden bool     `json:"commenthidden"`
					ParsedComment *string  `json:"parsedcomment"`
					TextHidden    bool     `json:"texthidden"`
					Tags          []string `json:"tags"`
				} `json:"revisions"`
			} `json:"pages"`
		} `json:"query"`
	}

	if err := f.doJSON(ctx, q, &body); err != nil {
		return nil, err
	}

	out := make(map[int64]Revision)
	for _, bad := range body.Query.BadRevIDs {
		out[bad.RevID] = Revision{RevID: bad.RevID, Missing: true}
	}
	for _, page := range body.Query.Pages {
		for _, r := range page.Revisions {
			rev := Revision{
				RevID:    r.RevID,
				ParentID: r.ParentID,
				Minor:    r.Minor,
				User:     r.User,
				Size:     r.Size,
				Comment:  r.Comment,
				ParsedComment: r.ParsedComment,
				Tags:     r.Tags,
				Page: Page{
					PageID:        page.PageID,
					Namespace:     page.NS,
					PrefixedTitle: page.Title,
				},
				Hidden: HiddenFlags{User: r.UserHidden, Comment: r.CommentHidden, Text: r.TextHidden},
			}
			if ts, err := time.Parse(time.RFC3339, r.Timestamp); err == nil {
				rev.Timestamp = &ts
			}
			out[r.RevID] = rev
		}
	}
	return out, nil
}

// FetchSizes issues one query.php call for just revision sizes, used for the
// second, parent-size pass.
func (f *APIFetcher) FetchSizes(ctx context.Context, ids []int64) (map[int64]int64, error) {
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = strconv.FormatInt(id, 10)
	}

	q := url.Values{}
	q.Set("action", "query")
	q.Set("format", "json")
	q.Set("prop", "revisions")
	q.Set("rvprop", "ids|size")
	q.Set("revids", strings.Join(strIDs, "|"))

	var body struct {
		Query struct {
			Pages map[string]struct {
				Revisions []struct {
					RevID int64 `json:"revid"`
					Size  int64 `json:"size"`
				} `json:"revisions"`
			} `json:"pages"`
		} `json:"query"`
	}

	if err := f.doJSON(ctx, q, &body); err != nil {
		return nil, err
	}

	out := make(map[int64]int64)
	for _, page := range body.Query.Pages {
		for _, r := range page.Revisions {
			out[r.RevID] = r.Size
		}
	}
	return out, nil
}

func (f *APIFetcher) doJSON(ctx context.Context, q url.Values, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.APIBase+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

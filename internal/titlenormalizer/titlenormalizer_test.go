package titlenormalizer

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
)

func fakeFetch(calls *int32) FetchFunc {
	return func(ctx context.Context, client *http.Client, apiBaseURL string) ([]Namespace, map[string]int, string, error) {
		atomic.AddInt32(calls, 1)
		ns := []Namespace{
			{ID: 0, Canonical: "", CaseSensitive: false, Content: true},
			{ID: 3, Canonical: "User talk", CaseSensitive: false},
		}
		aliases := map[string]int{"user talk": 3, "ut": 3}
		return ns, aliases, "a-zA-Z0-9 _-", nil
	}
}

func TestMakeTitleMainNamespace(t *testing.T) {
	var calls int32
	n := New(nil, fakeFetch(&calls))
	titler, err := n.ForWiki(context.Background(), "enwiki", "https://en.wikipedia.org/w/api.php")
	if err != nil {
		t.Fatalf("forwiki: %v", err)
	}
	title, err := titler.MakeTitle(0, "example page")
	if err != nil {
		t.Fatalf("maketitle: %v", err)
	}
	if title.PrefixedText != "Example page" {
		t.Fatalf("unexpected prefixed text: %q", title.PrefixedText)
	}
}

func TestMakeTitleNamespacedAndCached(t *testing.T) {
	var calls int32
	n := New(nil, fakeFetch(&calls))
	titler, _ := n.ForWiki(context.Background(), "enwiki", "https://en.wikipedia.org/w/api.php")
	title, err := titler.MakeTitle(3, "Example")
	if err != nil {
		t.Fatalf("maketitle: %v", err)
	}
	if title.PrefixedText != "User talk:Example" {
		t.Fatalf("unexpected prefixed text: %q", title.PrefixedText)
	}

	// Second ForWiki call must not re-fetch.
	_, _ = n.ForWiki(context.Background(), "enwiki", "https://en.wikipedia.org/w/api.php")
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected namespace metadata to be cached, got %d fetches", calls)
	}
}

func TestMakeTitleRejectsIllegalCharacters(t *testing.T) {
	var calls int32
	n := New(nil, fakeFetch(&calls))
	titler, _ := n.ForWiki(context.Background(), "enwiki", "https://en.wikipedia.org/w/api.php")
	if _, err := titler.MakeTitle(0, "bad<title>"); err == nil {
		t.Fatalf("expected ErrBadTitle for illegal characters")
	}
}

func TestResolveNamespaceAlias(t *testing.T) {
	var calls int32
	n := New(nil, fakeFetch(&calls))
	titler, _ := n.ForWiki(context.Background(), "enwiki", "https://en.wikipedia.org/w/api.php")
	id, ok := titler.ResolveNamespaceAlias("UT")
	if !ok || id != 3 {
		t.Fatalf("expected alias UT to resolve to namespace 3, got id=%d ok=%v", id, ok)
	}
}

package siteregistry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

func testServer(t *testing.T, wikis []Wiki, hits *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(wikis)
	}))
}

func TestRefreshAndGet(t *testing.T) {
	var hits int32
	srv := testServer(t, []Wiki{
		{DBName: "enwiki", BaseURL: "https://en.wikipedia.org/w"},
		{DBName: "privatewiki", BaseURL: "https://private.example.org/w", NonGlobal: true},
	}, &hits)
	defer srv.Close()

	reg := New(srv.URL, srv.Client())
	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	w, ok, err := reg.Get(context.Background(), "enwiki", ByDBName)
	if err != nil || !ok {
		t.Fatalf("expected enwiki to resolve, ok=%v err=%v", ok, err)
	}
	if w.DBName != "enwiki" {
		t.Fatalf("unexpected wiki: %+v", w)
	}

	_, ok, _ = reg.Get(context.Background(), "nosuchwiki", ByDBName)
	if ok {
		t.Fatalf("expected nosuchwiki to be absent")
	}
}

func TestLazyRefreshOnFirstGet(t *testing.T) {
	var hits int32
	srv := testServer(t, []Wiki{{DBName: "enwiki", BaseURL: "https://en.wikipedia.org/w"}}, &hits)
	defer srv.Close()

	reg := New(srv.URL, srv.Client())
	_, ok, err := reg.Get(context.Background(), "enwiki", ByDBName)
	if err != nil || !ok {
		t.Fatalf("expected lazy refresh to populate registry, ok=%v err=%v", ok, err)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected exactly one fetch, got %d", hits)
	}
}

func TestConcurrentRefreshSharesOneFetch(t *testing.T) {
	var hits int32
	srv := testServer(t, []Wiki{{DBName: "enwiki", BaseURL: "https://en.wikipedia.org/w"}}, &hits)
	defer srv.Close()

	reg := New(srv.URL, srv.Client())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = reg.Refresh(context.Background())
		}()
	}
	wg.Wait()

	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected exactly one fetch across concurrent refreshes, got %d", hits)
	}
}

func TestFlushForcesRefetch(t *testing.T) {
	var hits int32
	srv := testServer(t, []Wiki{{DBName: "enwiki", BaseURL: "https://en.wikipedia.org/w"}}, &hits)
	defer srv.Close()

	reg := New(srv.URL, srv.Client())
	_, _, _ = reg.Get(context.Background(), "enwiki", ByDBName)
	reg.Flush()
	_, _, _ = reg.Get(context.Background(), "enwiki", ByDBName)

	if atomic.LoadInt32(&hits) != 2 {
		t.Fatalf("expected two fetches after flush, got %d", hits)
	}
}

func TestGetByOrigin(t *testing.T) {
	var hits int32
	srv := testServer(t, []Wiki{{DBName: "enwiki", BaseURL: "https://en.wikipedia.org/w"}}, &hits)
	defer srv.Close()

	reg := New(srv.URL, srv.Client())
	w, ok, err := reg.GetByOrigin(context.Background(), "https://en.wikipedia.org")
	if err != nil || !ok {
		t.Fatalf("expected origin match, ok=%v err=%v", ok, err)
	}
	if w.DBName != "enwiki" {
		t.Fatalf("unexpected wiki: %+v", w)
	}
}

func TestRefreshUpstreamUnavailableKeepsPriorSnapshot(t *testing.T) {
	var hits int32
	srv := testServer(t, []Wiki{{DBName: "enwiki", BaseURL: "https://en.wikipedia.org/w"}}, &hits)

	reg := New(srv.URL, srv.Client())
	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	srv.Close()

	if err := reg.Refresh(context.Background()); err == nil {
		t.Fatalf("expected refresh error after server closed")
	}

	w, ok, err := reg.Get(context.Background(), "enwiki", ByDBName)
	if err != nil || !ok || w.DBName != "enwiki" {
		t.Fatalf("expected prior snapshot intact, ok=%v err=%v", ok, err)
	}
}

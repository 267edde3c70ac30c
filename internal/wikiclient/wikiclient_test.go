package wikiclient

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestForReturnsSameClientForSameWiki(t *testing.T) {
	p := New("tok")
	c1 := p.For("enwiki")
	c2 := p.For("enwiki")
	if c1 != c2 {
		t.Fatalf("expected the same *http.Client instance to be reused")
	}
}

func TestForReturnsDistinctClientsPerWiki(t *testing.T) {
	p := New("tok")
	c1 := p.For("enwiki")
	c2 := p.For("dewiki")
	if c1 == c2 {
		t.Fatalf("expected distinct clients per wiki")
	}
}

func TestClientSendsAuthAndUserAgent(t *testing.T) {
	var gotAuth, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := New("secret-token")
	client := p.For("enwiki")

	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if gotAuth != "Bearer secret-token" {
		t.Fatalf("expected bearer token header, got %q", gotAuth)
	}
	if gotUA == "" {
		t.Fatalf("expected user-agent header to be set")
	}
}

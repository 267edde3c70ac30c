package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ChlodAlejandro/deputy-dispatch/internal/revisionexpander"
	"github.com/ChlodAlejandro/deputy-dispatch/internal/siteregistry"
	"github.com/ChlodAlejandro/deputy-dispatch/internal/taskengine"
)

type fakeFetcher struct {
	props map[int64]revisionexpander.Revision
	sizes map[int64]int64
}

func (f *fakeFetcher) FetchProps(ctx context.Context, ids []int64) (map[int64]revisionexpander.Revision, error) {
	out := make(map[int64]revisionexpander.Revision)
	for _, id := range ids {
		if r, ok := f.props[id]; ok {
			out[id] = r
		}
	}
	return out, nil
}

func (f *fakeFetcher) FetchSizes(ctx context.Context, ids []int64) (map[int64]int64, error) {
	out := make(map[int64]int64)
	for _, id := range ids {
		if sz, ok := f.sizes[id]; ok {
			out[id] = sz
		}
	}
	return out, nil
}

func newTestServer() *Server {
	tasks := taskengine.New(nil, time.Hour)
	fetcher := &fakeFetcher{
		props: map[int64]revisionexpander.Revision{
			100: {RevID: 100, ParentID: 99, Size: 500},
		},
		sizes: map[int64]int64{99: 400},
	}
	expander := revisionexpander.New(fetcher, 10*time.Second)
	return NewServer(nil, tasks, nil, func(wiki string) (*revisionexpander.Expander, error) {
		return expander, nil
	}, nil)
}

func TestRevisionsGETReturnsExpandedRevisions(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/v1/revisions/enwiki?revisions=100", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var env revisionsEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	rev, ok := env.Revisions[100]
	if !ok {
		t.Fatalf("missing revision 100 in %+v", env.Revisions)
	}
	if rev.DiffSize == nil || *rev.DiffSize != 100 {
		t.Fatalf("diffsize = %v, want 100", rev.DiffSize)
	}
}

func TestRevisionsGETMissingParamReturns422(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/v1/revisions/enwiki", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", rec.Code)
	}
	var env Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(env.Errors) != 1 || env.Errors[0].Code != "revisions-missing" {
		t.Fatalf("errors = %+v", env.Errors)
	}
}

func TestRevisionsGETOverCapIsMethodLimited(t *testing.T) {
	s := newTestServer()
	raw := ""
	for i := 0; i < MaxGETRevisions+1; i++ {
		if i > 0 {
			raw += "|"
		}
		raw += "1"
	}
	req := httptest.NewRequest(http.MethodGet, "/v1/revisions/enwiki?revisions="+raw, nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRevisionsGETBadIntegerReturns422(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/v1/revisions/enwiki?revisions=abc", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", rec.Code)
	}
	var env Envelope
	_ = json.Unmarshal(rec.Body.Bytes(), &env)
	if len(env.Errors) != 1 || env.Errors[0].Code != "badinteger" {
		t.Fatalf("errors = %+v", env.Errors)
	}
}

func TestErrorEnvelopeBCFormatFlattensToCodeInfo(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/v1/revisions/enwiki?errorformat=bc", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["code"] != "revisions-missing" {
		t.Fatalf("body = %+v", body)
	}
	if _, hasErrors := body["errors"]; hasErrors {
		t.Fatalf("bc format should not carry an errors list: %+v", body)
	}
}

func TestUnsupportedWikiReturns422(t *testing.T) {
	registry := siteregistry.New("http://unused.invalid", nil)
	catalog := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]siteregistry.Wiki{{DBName: "enwiki", BaseURL: "https://en.wikipedia.org"}})
	}))
	defer catalog.Close()
	registry = siteregistry.New(catalog.URL, catalog.Client())
	if err := registry.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	s := newTestServer()
	s.Registry = registry

	req := httptest.NewRequest(http.MethodGet, "/v1/revisions/nonexistentwiki?revisions=1", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestCORSOnlyEchoesRecognizedOrigin(t *testing.T) {
	catalog := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]siteregistry.Wiki{{DBName: "enwiki", BaseURL: "https://en.wikipedia.org"}})
	}))
	defer catalog.Close()
	registry := siteregistry.New(catalog.URL, catalog.Client())
	if err := registry.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	s := newTestServer()
	s.Registry = registry

	req := httptest.NewRequest(http.MethodGet, "/v1/revisions/enwiki?revisions=100", nil)
	req.Header.Set("Origin", "https://en.wikipedia.org")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://en.wikipedia.org" {
		t.Fatalf("Access-Control-Allow-Origin = %q, want recognized origin echoed", got)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/v1/revisions/enwiki?revisions=100", nil)
	req2.Header.Set("Origin", "https://evil.example")
	rec2 := httptest.NewRecorder()
	s.Router().ServeHTTP(rec2, req2)
	if got := rec2.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("Access-Control-Allow-Origin = %q, want empty for unrecognized origin", got)
	}
}

func TestProgressAndResultRoundTripThroughRouter(t *testing.T) {
	s := newTestServer()

	task := s.Tasks.RunTask(taskListDeletedRevisions, func(ctx context.Context, handle *taskengine.Handle) {
		handle.SetProgress(0.5)
		handle.Finish(map[string]int{"revisions": 3})
	})

	// Allow the async worker goroutine to run to completion.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if finished, ok := s.Tasks.GetTaskFinished(taskListDeletedRevisions, task.ID); ok && finished {
			break
		}
		time.Sleep(time.Millisecond)
	}

	progressReq := httptest.NewRequest(http.MethodGet, "/v1/user/deleted-revisions/"+task.ID.String()+"/progress", nil)
	progressRec := httptest.NewRecorder()
	s.Router().ServeHTTP(progressRec, progressReq)
	if progressRec.Code != http.StatusOK {
		t.Fatalf("progress status = %d", progressRec.Code)
	}

	resultReq := httptest.NewRequest(http.MethodGet, "/v1/user/deleted-revisions/"+task.ID.String(), nil)
	resultRec := httptest.NewRecorder()
	s.Router().ServeHTTP(resultRec, resultReq)
	if resultRec.Code != http.StatusOK {
		t.Fatalf("result status = %d, body = %s", resultRec.Code, resultRec.Body.String())
	}
}

func TestResultForUnknownTaskReturns404(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/v1/user/deleted-revisions/00000000-0000-0000-0000-000000000000", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

// Package httpapi implements the HTTP Surface (spec.md §4.11): a thin
// adapter translating the Async Task Engine's verbs into the fixed REST
// dialect from spec.md §6.
//
// Routing follows the teacher's gorilla/mux usage (services/secrets/handlers.go,
// services/vrf/marble/handlers.go) for {wiki}/{id} path-variable routes; CORS
// and metrics middleware follow internal/app/httpapi/service.go's
// wrapWithCORS/InstrumentHandler wrapping order.
package httpapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"

	"github.com/ChlodAlejandro/deputy-dispatch/internal/logger"
	"github.com/ChlodAlejandro/deputy-dispatch/internal/metrics"
	"github.com/ChlodAlejandro/deputy-dispatch/internal/replicapool"
	"github.com/ChlodAlejandro/deputy-dispatch/internal/revisionexpander"
	"github.com/ChlodAlejandro/deputy-dispatch/internal/revisionstore"
	"github.com/ChlodAlejandro/deputy-dispatch/internal/siteregistry"
	"github.com/ChlodAlejandro/deputy-dispatch/internal/taskengine"
)

// MaxGETRevisions is the upper bound on revisions accepted via the GET form
// of the revisions endpoint, per spec.md §6/§8.
const MaxGETRevisions = 50

// ExpanderFactory returns (constructing if necessary) the Revision Expander
// bound to a specific wiki.
type ExpanderFactory func(wiki string) (*revisionexpander.Expander, error)

// TalkHistoryFactory returns a talkscanner.HistoryFetcher for a user's talk
// page on a wiki.
type TalkHistoryFactory func(ctx *Request, wiki, user string) (talkHistoryFetcher, error)

// Server wires every Dispatch component into the HTTP surface.
type Server struct {
	Registry   *siteregistry.Registry
	Tasks      *taskengine.Engine
	Replicas   *replicapool.Pool
	Expanders  ExpanderFactory
	TalkHistory TalkHistoryFactory

	// Store, if set, is consulted before queuing a revision with Expanders
	// and written back to after expansion, per spec.md §4.7. Nil disables
	// the cache and every lookup goes straight to the expander.
	Store *revisionstore.Store

	Log *logger.Logger

	validate *validator.Validate
}

// Request bundles a request-scoped context for handler helpers that need to
// reach outside net/http's own r.Context(); kept distinct so talkHistory
// factories don't need to import net/http directly.
type Request struct {
	HTTP *http.Request
}

// NewServer constructs a Server. Log starts as logger.NewDefault("httpapi")
// and may be replaced on the returned Server.
func NewServer(registry *siteregistry.Registry, tasks *taskengine.Engine, replicas *replicapool.Pool, expanders ExpanderFactory, talkHistory TalkHistoryFactory) *Server {
	log := logger.NewDefault("httpapi")
	return &Server{
		Registry:    registry,
		Tasks:       tasks,
		Replicas:    replicas,
		Expanders:   expanders,
		TalkHistory: talkHistory,
		Log:         log,
		validate:    validator.New(),
	}
}

// Router builds the full gorilla/mux router for spec.md §6's endpoint table.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/v1/revisions/{wiki}", s.handleRevisionsGET).Methods(http.MethodGet)
	r.HandleFunc("/v1/revisions/{wiki}", s.handleRevisionsPOST).Methods(http.MethodPost)

	r.HandleFunc("/v1/user/deleted-revisions", s.handleDeletedRevisionsStart).Methods(http.MethodPost)
	r.HandleFunc("/v1/user/deleted-revisions/{id}/progress", s.handleDeletedRevisionsProgress).Methods(http.MethodGet)
	r.HandleFunc("/v1/user/deleted-revisions/{id}", s.handleDeletedRevisionsResult).Methods(http.MethodGet)

	r.HandleFunc("/v1/user/largest-edits", s.handleLargestEditsStart).Methods(http.MethodPost)
	r.HandleFunc("/v1/user/largest-edits/{id}/progress", s.handleLargestEditsProgress).Methods(http.MethodGet)
	r.HandleFunc("/v1/user/largest-edits/{id}", s.handleLargestEditsResult).Methods(http.MethodGet)

	r.HandleFunc("/v1/user/search-talk", s.handleSearchTalkStart).Methods(http.MethodPost)
	r.HandleFunc("/v1/user/search-talk/{id}/progress", s.handleSearchTalkProgress).Methods(http.MethodGet)
	r.HandleFunc("/v1/user/search-talk/{id}", s.handleSearchTalkResult).Methods(http.MethodGet)

	r.Handle("/metrics", metrics.Handler())

	r.Use(s.corsMiddleware)

	var handler http.Handler = r
	handler = s.instrumentMiddleware(handler, r)
	return handler
}

// instrumentMiddleware wraps each request with dispatch_http_* metrics
// labeled by the matched route template rather than the raw path.
func (s *Server) instrumentMiddleware(next http.Handler, router *mux.Router) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unmatched"
		var match mux.RouteMatch
		if router.Match(r, &match) && match.Route != nil {
			if tmpl, err := match.Route.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		metrics.InstrumentHandler(route, next).ServeHTTP(w, r)
	})
}

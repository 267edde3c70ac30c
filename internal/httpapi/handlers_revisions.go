package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ChlodAlejandro/deputy-dispatch/internal/httputil"
	"github.com/ChlodAlejandro/deputy-dispatch/internal/revisionexpander"
	"github.com/ChlodAlejandro/deputy-dispatch/internal/siteregistry"
)

// revisionsEnvelope is the success body for both revisions endpoints.
type revisionsEnvelope struct {
	Version   int                                  `json:"version"`
	Revisions map[int64]revisionexpander.Revision `json:"revisions"`
}

// checkWiki validates wiki against the site registry, writing an
// unsupportedwiki error with the caller-supplied status code on failure.
// spec.md §6/§8 gives this error different codes on different endpoints: 422
// on the revisions endpoint, 400 on the task-starting endpoints.
func (s *Server) checkWiki(w http.ResponseWriter, r *http.Request, format ErrorFormat, wiki string, status int) bool {
	if s.Registry == nil {
		return true
	}
	if _, ok, err := s.Registry.Get(r.Context(), wiki, siteregistry.ByDBName); err != nil || !ok {
		WriteError(w, status, format, errUnsupportedWiki(wiki))
		return false
	}
	return true
}

func (s *Server) handleRevisionsGET(w http.ResponseWriter, r *http.Request) {
	format := ParseErrorFormat(r.URL.Query().Get("errorformat"))
	wiki := mux.Vars(r)["wiki"]
	if !s.checkWiki(w, r, format, wiki, http.StatusUnprocessableEntity) {
		return
	}

	raw := r.URL.Query().Get("revisions")
	if len(raw) == 0 {
		WriteError(w, http.StatusUnprocessableEntity, format, errRevisionsMissing)
		return
	}

	ids, err := ParsePipeDelimitedIDs(raw)
	if err != nil {
		WriteError(w, http.StatusUnprocessableEntity, format, errBadInteger)
		return
	}
	if len(ids) == 0 {
		WriteError(w, http.StatusUnprocessableEntity, format, errRevisionsMissing)
		return
	}
	if len(ids) > MaxGETRevisions {
		WriteError(w, http.StatusForbidden, format, errMethodLimited)
		return
	}

	s.expandAndRespond(w, r, format, wiki, ids)
}

func (s *Server) handleRevisionsPOST(w http.ResponseWriter, r *http.Request) {
	format := ParseErrorFormat(r.URL.Query().Get("errorformat"))
	wiki := mux.Vars(r)["wiki"]
	if !s.checkWiki(w, r, format, wiki, http.StatusUnprocessableEntity) {
		return
	}

	var body RevisionsRequest
	if err := httputil.DecodeJSON(r.Body, &body); err != nil {
		WriteError(w, http.StatusUnprocessableEntity, format, errBadInteger)
		return
	}
	if len(body.Revisions) == 0 {
		WriteError(w, http.StatusUnprocessableEntity, format, errRevisionsMissing)
		return
	}

	s.expandAndRespond(w, r, format, wiki, body.Revisions)
}

func (s *Server) expandAndRespond(w http.ResponseWriter, r *http.Request, format ErrorFormat, wiki string, ids []int64) {
	revisions := make(map[int64]revisionexpander.Revision, len(ids))
	missing := ids[:0:0]
	if s.Store != nil {
		for _, id := range ids {
			if rev, ok := s.Store.Get(id); ok {
				revisions[id] = rev
				continue
			}
			missing = append(missing, id)
		}
	} else {
		missing = ids
	}
	if len(missing) == 0 {
		httputil.WriteJSON(w, http.StatusOK, revisionsEnvelope{Version: 1, Revisions: revisions})
		return
	}

	expander, err := s.Expanders(wiki)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, format, errUnsupportedWiki(wiki))
		return
	}

	handles := expander.Queue(missing)

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	for _, id := range missing {
		rev, err := handles[id](ctx)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, format, errExpanderTimeout)
			return
		}
		revisions[id] = rev
		if s.Store != nil && !rev.Missing {
			s.Store.Set(id, rev)
		}
	}

	httputil.WriteJSON(w, http.StatusOK, revisionsEnvelope{Version: 1, Revisions: revisions})
}

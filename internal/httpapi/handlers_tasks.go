package httpapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/ChlodAlejandro/deputy-dispatch/internal/deletedrevisions"
	"github.com/ChlodAlejandro/deputy-dispatch/internal/httputil"
	"github.com/ChlodAlejandro/deputy-dispatch/internal/replicapool"
	"github.com/ChlodAlejandro/deputy-dispatch/internal/talkscanner"
	"github.com/ChlodAlejandro/deputy-dispatch/internal/taskengine"
)

// talkHistoryFetcher is the talkscanner.HistoryFetcher interface, aliased so
// server.go's TalkHistoryFactory doesn't need to import internal/talkscanner
// directly.
type talkHistoryFetcher = talkscanner.HistoryFetcher

const (
	taskListDeletedRevisions = "deleted-revisions"
	taskListLargestEdits     = "largest-edits"
	taskListSearchTalk       = "search-talk"
)

// parseTaskID extracts and parses the {id} path variable shared by every
// progress/result route.
func parseTaskID(r *http.Request, format ErrorFormat, w http.ResponseWriter) (uuid.UUID, bool) {
	raw := mux.Vars(r)["id"]
	id, err := uuid.Parse(raw)
	if err != nil {
		WriteError(w, http.StatusNotFound, format, errTaskMissing)
		return uuid.UUID{}, false
	}
	return id, true
}

// writeTaskAccepted renders the 202 envelope spec.md §6 uses for every
// task-starting endpoint: the task id plus its progress-poll location.
func writeTaskAccepted(w http.ResponseWriter, taskListID string, id uuid.UUID) {
	w.Header().Set("Location", "/v1/user/"+taskListID+"/"+id.String()+"/progress")
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"id": id.String()})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request, taskListID string) {
	format := ParseErrorFormat(r.URL.Query().Get("errorformat"))
	id, ok := parseTaskID(r, format, w)
	if !ok {
		return
	}
	resp, locationPath, found := s.Tasks.HandleProgressRequest(taskListID, id)
	if !found {
		WriteError(w, http.StatusNotFound, format, errTaskMissing)
		return
	}
	if locationPath != "" {
		w.Header().Set("Location", "/v1/user/"+taskListID+"/"+locationPath)
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request, taskListID string) {
	format := ParseErrorFormat(r.URL.Query().Get("errorformat"))
	id, ok := parseTaskID(r, format, w)
	if !ok {
		return
	}
	result, status := s.Tasks.HandleResultRequest(taskListID, id)
	switch status {
	case taskengine.ResultMissing:
		WriteError(w, http.StatusNotFound, format, errTaskMissing)
	case taskengine.ResultUnfinished:
		WriteError(w, http.StatusConflict, format, errTaskUnfinished)
	case taskengine.ResultError:
		WriteError(w, http.StatusInternalServerError, format, errTaskUncaught)
	case taskengine.ResultOK:
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"version": 1, "result": result})
	}
}

// --- deleted-revisions ----------------------------------------------------

type deletedRevisionsResult struct {
	Revisions []deletedrevisions.DeletedRevision `json:"revisions"`
	Pages     []deletedrevisions.DeletedPage      `json:"pages"`
}

func (s *Server) handleDeletedRevisionsStart(w http.ResponseWriter, r *http.Request) {
	format := ParseErrorFormat(r.URL.Query().Get("errorformat"))
	var body DeletedRevisionsRequest
	if err := httputil.DecodeJSON(r.Body, &body); err != nil {
		WriteError(w, http.StatusUnprocessableEntity, format, errBadInteger)
		return
	}
	if err := s.validate.Struct(body); err != nil {
		WriteError(w, http.StatusUnprocessableEntity, format, errRevisionsMissing)
		return
	}
	if !s.checkWiki(w, r, format, body.Wiki, http.StatusBadRequest) {
		return
	}

	fingerprint, err := taskengine.Fingerprint(body)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, format, errTaskUncaught)
		return
	}

	task := s.Tasks.RunDeduped(taskListDeletedRevisions, fingerprint, func(ctx context.Context, handle *taskengine.Handle) {
		db, err := s.Replicas.Connect(ctx, body.Wiki, replicapool.Analytics)
		if err != nil {
			handle.Fail(err)
			return
		}
		defer db.Close()

		actorID, err := deletedrevisions.ResolveActorID(ctx, db, body.User)
		if err != nil {
			handle.Fail(err)
			return
		}
		handle.SetProgress(0.25)

		revisions, err := deletedrevisions.ForActor(ctx, db, actorID)
		if err != nil {
			handle.Fail(err)
			return
		}
		handle.SetProgress(0.75)

		pages, err := deletedrevisions.PagesForActor(ctx, db, actorID)
		if err != nil {
			handle.Fail(err)
			return
		}

		handle.Finish(deletedRevisionsResult{Revisions: revisions, Pages: pages})
	})

	writeTaskAccepted(w, taskListDeletedRevisions, task.ID)
}

func (s *Server) handleDeletedRevisionsProgress(w http.ResponseWriter, r *http.Request) {
	s.handleProgress(w, r, taskListDeletedRevisions)
}

func (s *Server) handleDeletedRevisionsResult(w http.ResponseWriter, r *http.Request) {
	s.handleResult(w, r, taskListDeletedRevisions)
}

// --- largest-edits ---------------------------------------------------------

func (s *Server) handleLargestEditsStart(w http.ResponseWriter, r *http.Request) {
	format := ParseErrorFormat(r.URL.Query().Get("errorformat"))
	var body LargestEditsRequest
	if err := httputil.DecodeJSON(r.Body, &body); err != nil {
		WriteError(w, http.StatusUnprocessableEntity, format, errBadInteger)
		return
	}
	if err := s.validate.Struct(body); err != nil {
		WriteError(w, http.StatusUnprocessableEntity, format, errRevisionsMissing)
		return
	}
	if !s.checkWiki(w, r, format, body.Wiki, http.StatusBadRequest) {
		return
	}

	fingerprint, err := taskengine.Fingerprint(body)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, format, errTaskUncaught)
		return
	}

	task := s.Tasks.RunDeduped(taskListLargestEdits, fingerprint, func(ctx context.Context, handle *taskengine.Handle) {
		db, err := s.Replicas.Connect(ctx, body.Wiki, replicapool.Analytics)
		if err != nil {
			handle.Fail(err)
			return
		}
		defer db.Close()

		actorID, err := deletedrevisions.ResolveActorID(ctx, db, body.User)
		if err != nil {
			handle.Fail(err)
			return
		}
		handle.SetProgress(0.3)

		ranked, err := rankLargestEdits(ctx, db, actorID, body)
		if err != nil {
			handle.Fail(err)
			return
		}

		handle.Finish(ranked)
	})

	writeTaskAccepted(w, taskListLargestEdits, task.ID)
}

func (s *Server) handleLargestEditsProgress(w http.ResponseWriter, r *http.Request) {
	s.handleProgress(w, r, taskListLargestEdits)
}

func (s *Server) handleLargestEditsResult(w http.ResponseWriter, r *http.Request) {
	s.handleResult(w, r, taskListLargestEdits)
}

// --- search-talk ------------------------------------------------------------

func (s *Server) handleSearchTalkStart(w http.ResponseWriter, r *http.Request) {
	format := ParseErrorFormat(r.URL.Query().Get("errorformat"))
	var body SearchTalkRequest
	if err := httputil.DecodeJSON(r.Body, &body); err != nil {
		WriteError(w, http.StatusUnprocessableEntity, format, errBadInteger)
		return
	}
	if err := s.validate.Struct(body); err != nil {
		WriteError(w, http.StatusUnprocessableEntity, format, errRevisionsMissing)
		return
	}
	if !s.checkWiki(w, r, format, body.Wiki, http.StatusBadRequest) {
		return
	}

	filter, err := compileFilter(body.Filter)
	if err != nil {
		WriteError(w, http.StatusBadRequest, format, errInvalidFilter)
		return
	}

	fingerprint, err := taskengine.Fingerprint(body)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, format, errTaskUncaught)
		return
	}

	task := s.Tasks.RunDeduped(taskListSearchTalk, fingerprint, func(ctx context.Context, handle *taskengine.Handle) {
		fetcher, err := s.TalkHistory(&Request{}, body.Wiki, body.User)
		if err != nil {
			handle.Fail(err)
			return
		}
		if closer, ok := fetcher.(interface{ Close() error }); ok {
			defer closer.Close()
		}

		events, err := talkscanner.Scan(ctx, fetcher, []talkscanner.Filter{filter}, func(processed, total int) {
			if total <= 0 {
				return
			}
			handle.SetProgress(float64(processed) / float64(total))
		})
		if err != nil {
			handle.Fail(err)
			return
		}

		handle.Finish(events)
	})

	writeTaskAccepted(w, taskListSearchTalk, task.ID)
}

func (s *Server) handleSearchTalkProgress(w http.ResponseWriter, r *http.Request) {
	s.handleProgress(w, r, taskListSearchTalk)
}

func (s *Server) handleSearchTalkResult(w http.ResponseWriter, r *http.Request) {
	s.handleResult(w, r, taskListSearchTalk)
}

// compileFilter turns the wire-level FilterSpec sum type into the one
// talkscanner.Filter it describes.
func compileFilter(spec FilterSpec) (talkscanner.Filter, error) {
	switch {
	case spec.Regex != "":
		return talkscanner.FilterRegex("search-talk", spec.Regex)
	case len(spec.Set) > 0:
		return talkscanner.FilterSet("search-talk", spec.Set), nil
	case spec.Literal != "":
		return talkscanner.FilterLiteral("search-talk", spec.Literal), nil
	default:
		return nil, fmt.Errorf("httpapi: filter must set regex, set, or literal")
	}
}

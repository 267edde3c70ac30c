package httpapi

import (
	"net/http"

	"github.com/ChlodAlejandro/deputy-dispatch/internal/httputil"
)

// ErrorFormat selects how an error envelope is rendered, per spec.md §6.
type ErrorFormat string

const (
	FormatText      ErrorFormat = "text"
	FormatWikitext  ErrorFormat = "wikitext"
	FormatPlaintext ErrorFormat = "plaintext"
	FormatRaw       ErrorFormat = "raw"
	FormatBC        ErrorFormat = "bc"
)

// ParseErrorFormat reads the errorformat query param, defaulting to text.
func ParseErrorFormat(raw string) ErrorFormat {
	switch ErrorFormat(raw) {
	case FormatWikitext, FormatPlaintext, FormatRaw, FormatBC:
		return ErrorFormat(raw)
	default:
		return FormatText
	}
}

// APIError is one error in the envelope.
type APIError struct {
	Code   string `json:"code"`
	Text   string `json:"text,omitempty"`
	Key    string `json:"key,omitempty"`
	Params []any  `json:"params,omitempty"`
	Module string `json:"module,omitempty"`
}

// Envelope is the standard multi-error response body.
type Envelope struct {
	Errors []APIError `json:"errors"`
	Docref string     `json:"docref,omitempty"`
}

// bcEnvelope is the flattened shape FormatBC renders.
type bcEnvelope struct {
	Code string `json:"code"`
	Info string `json:"info"`
}

const docref = "See https://www.mediawiki.org/wiki/API:Errors_and_warnings for notes on error handling."

func newError(code, text, module string) APIError {
	return APIError{Code: code, Text: text, Module: module}
}

// WriteError renders one error under format, with status as the HTTP status
// code.
func WriteError(w http.ResponseWriter, status int, format ErrorFormat, err APIError) {
	if format == FormatBC {
		httputil.WriteJSON(w, status, bcEnvelope{Code: err.Code, Info: err.Text})
		return
	}
	httputil.WriteJSON(w, status, Envelope{Errors: []APIError{err}, Docref: docref})
}

// Common named errors, per spec.md §6's "Notable errors" column.
var (
	errUnsupportedWiki  = func(wiki string) APIError { return newError("unsupportedwiki", "The wiki \""+wiki+"\" is not recognized.", "dispatch") }
	errRevisionsMissing = newError("revisions-missing", "No revisions were specified.", "dispatch")
	errBadInteger       = newError("badinteger", "One or more revision ids could not be parsed as an integer.", "dispatch")
	errMethodLimited    = newError("method-limited", "This method accepts at most 50 revisions via GET; use POST for more.", "dispatch")
	errExpanderTimeout  = newError("expander-timeout", "Revision expansion timed out.", "dispatch")
	errTaskMissing      = newError("task-missing", "No task exists with the given id.", "dispatch")
	errTaskUnfinished   = newError("task-unfinished", "The task has not finished yet.", "dispatch")
	errTaskUncaught     = newError("task-uncaught-generic", "The task failed with an uncaught error.", "dispatch")
	errInvalidFilter    = newError("invalidfilter", "The supplied filter could not be compiled.", "dispatch")
)

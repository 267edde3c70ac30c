package httpapi

// RevisionsRequest is the POST /v1/revisions/{wiki} body. Revisions accepts
// a number, a number array, or a pipe-delimited string, per spec.md §6;
// UnmarshalJSON below normalizes all three into Revisions.
type RevisionsRequest struct {
	Revisions []int64 `json:"-"`
}

// DeletedRevisionsRequest is the POST /v1/user/deleted-revisions body.
type DeletedRevisionsRequest struct {
	User string `json:"user" validate:"required"`
	Wiki string `json:"wiki" validate:"required"`
}

// LargestEditsRequest is the POST /v1/user/largest-edits body.
type LargestEditsRequest struct {
	Wiki        string   `json:"wiki" validate:"required"`
	User        string   `json:"user" validate:"required"`
	Offset      int      `json:"offset"`
	Namespaces  []int    `json:"namespaces"`
	WithReverts bool     `json:"withReverts"`
	WithoutTags []string `json:"withoutTags"`
}

// SearchTalkRequest is the POST /v1/user/search-talk body.
type SearchTalkRequest struct {
	Wiki   string      `json:"wiki" validate:"required"`
	User   string       `json:"user" validate:"required"`
	Filter FilterSpec   `json:"filter" validate:"required"`
}

// FilterSpec is the wire shape of a search-talk filter: a bare string, a
// string array, or {regex: "..."} for a compiled pattern.
type FilterSpec struct {
	Literal string   `json:"-"`
	Set     []string `json:"-"`
	Regex   string   `json:"regex,omitempty"`
}

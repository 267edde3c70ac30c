// Package deletedrevisions implements the Deleted-Revision Reconstructor
// (spec.md §4.9): for a given actor, joins archive/revision rows against
// deletion log entries, disambiguating by timestamp and batch-membership
// heuristics.
package deletedrevisions

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ChlodAlejandro/deputy-dispatch/internal/deletedrevisions/phpserialize"
	"github.com/ChlodAlejandro/deputy-dispatch/internal/querycomposer"
)

// Flags decodes the four-bit deletion bitmask from spec.md's GLOSSARY:
// bit0=content, bit1=comment, bit2=user, bit3=restricted.
type Flags struct {
	Content    bool
	Comment    bool
	User       bool
	Restricted bool
}

// DecodeFlags turns a raw bitmask into Flags.
func DecodeFlags(bits int64) Flags {
	return Flags{
		Content:    bits&1 != 0,
		Comment:    bits&2 != 0,
		User:       bits&4 != 0,
		Restricted: bits&8 != 0,
	}
}

// DeletionParams is the parsed content of a logging row's log_params.
type DeletionParams struct {
	Type    string
	IDs     []int64
	OldBits int64
	NewBits int64
}

// LogEntry is a deletion log row attached to a reconstructed revision.
type LogEntry struct {
	LogID     int64
	Timestamp time.Time
	Actor     *string
	Comment   *string
	Tags      []string
	Params    DeletionParams
}

// DeletedRevision is a revision hidden by revision-level deletion. Deleted
// is true when no log entry could be attributed (suppressed, or the
// causal log row was itself scrubbed); otherwise Entry holds the most
// likely cause.
type DeletedRevision struct {
	RevID         int64
	ParentID      int64
	Timestamp     time.Time
	Size          int64
	PageID        int64
	Namespace     int
	PrefixedTitle string

	Deleted       bool
	Entry         *LogEntry
	IsLikelyCause bool
}

// DeletedPage is a page reconstructed from archive rows that predate stable
// archive->page ids.
type DeletedPage struct {
	PageID        *int64
	Namespace     int
	Title         string
	CreatedAt     time.Time
	Length        int64
	Deleted       bool
	Entry         *LogEntry
	Guessed       bool
}

type rawRevisionRow struct {
	RevID     int64     `db:"rev_id"`
	ParentID  int64     `db:"rev_parent_id"`
	Timestamp time.Time `db:"rev_timestamp"`
	Size      int64     `db:"rev_len"`
	PageID    int64     `db:"page_id"`
	Namespace int       `db:"page_namespace"`
	Title     string    `db:"page_title"`
}

type rawLogRow struct {
	LogID     int64     `db:"log_id"`
	Timestamp time.Time `db:"log_timestamp"`
	Actor     *string   `db:"actor_name"`
	Comment   *string   `db:"comment_text"`
	Params    string    `db:"log_params"`
}

// ResolveActorID looks up the actor_id for a username, the join key ForActor
// and PagesForActor require. Usernames are unique and case-sensitive on a
// wiki's actor table, so this is a direct equality lookup.
func ResolveActorID(ctx context.Context, db *sqlx.DB, username string) (int64, error) {
	var actorID int64
	err := db.GetContext(ctx, &actorID, db.Rebind("SELECT actor_id FROM actor WHERE actor_name = ?"), username)
	if err != nil {
		return 0, fmt.Errorf("deletedrevisions: resolve actor %q: %w", username, err)
	}
	return actorID, nil
}

// ForActor reconstructs the revision-level deletions attributable to actor
// on db's replica, per spec.md §4.9's five-step algorithm.
func ForActor(ctx context.Context, db *sqlx.DB, actorID int64) ([]DeletedRevision, error) {
	revSQL, revArgs := querycomposer.New(querycomposer.RevisionTable, "rev").
		Select(
			"rev.rev_id", "rev.rev_parent_id", "rev.rev_timestamp", "rev.rev_len",
			"page.page_id", "page.page_namespace", "page.page_title",
		).
		JoinActor("actor").
		JoinPage("page").
		Where("rev.rev_actor = %s", actorID).
		Where("rev.rev_deleted > %s", 0).
		OrderBy("rev.rev_timestamp DESC").
		Build()

	var revRows []rawRevisionRow
	if err := db.SelectContext(ctx, &revRows, db.Rebind(revSQL), revArgs...); err != nil {
		return nil, fmt.Errorf("deletedrevisions: query revisions: %w", err)
	}
	if len(revRows) == 0 {
		return nil, nil
	}

	candidateIDs := make([]int64, len(revRows))
	for i, r := range revRows {
		candidateIDs[i] = r.RevID
	}

	logRows, err := queryDeletionLogs(ctx, db, candidateIDs)
	if err != nil {
		return nil, err
	}

	index, err := buildRevisionIndex(logRows)
	if err != nil {
		return nil, err
	}

	out := make([]DeletedRevision, 0, len(revRows))
	for _, r := range revRows {
		dr := DeletedRevision{
			RevID:         r.RevID,
			ParentID:      r.ParentID,
			Timestamp:     r.Timestamp,
			Size:          r.Size,
			PageID:        r.PageID,
			Namespace:     r.Namespace,
			PrefixedTitle: r.Title,
		}
		if ix, ok := index[r.RevID]; ok {
			dr.Entry = &ix.entry
			dr.IsLikelyCause = ix.isFirstFew
		} else {
			dr.Deleted = true
		}
		out = append(out, dr)
	}
	return out, nil
}

// queryDeletionLogs fetches delete/revision log rows whose params textually
// reference any of ids, per spec.md §4.9 step 2's "i:<revid>;" substring
// scan idiom. The scan is a coarse prefilter: parseLogParams below confirms
// genuine membership.
func queryDeletionLogs(ctx context.Context, db *sqlx.DB, ids []int64) ([]rawLogRow, error) {
	b := querycomposer.New(querycomposer.LoggingTable, "log").
		Select("log.log_id", "log.log_timestamp", "actor.actor_name AS actor_name", "comment.comment_text AS comment_text", "log.log_params").
		JoinActor("actor").
		JoinComment("comment").
		Where("log.log_type = %s", "delete").
		Where("log.log_action = %s", "revision")

	// The LIKE patterns below are routed through Builder.Where, which runs
	// the predicate template through fmt.Sprintf a second time to splice in
	// placeholder markers; literal '%' characters must survive that pass,
	// so they're doubled here ("%%%%" collapses to a literal "%%", which
	// Where's own Sprintf then collapses to a literal "%").
	like := make([]string, len(ids))
	for i, id := range ids {
		like[i] = fmt.Sprintf("log.log_params LIKE '%%%%i:%d;%%%%'", id)
	}
	b = b.Where("(" + strings.Join(like, " OR ") + ")")

	sql, args := b.Build()
	var rows []rawLogRow
	if err := db.SelectContext(ctx, &rows, db.Rebind(sql), args...); err != nil {
		return nil, fmt.Errorf("deletedrevisions: query logs: %w", err)
	}
	return rows, nil
}

type indexEntry struct {
	entry      LogEntry
	isFirstFew bool
}

// buildRevisionIndex applies spec.md §4.9 steps 3-4: parse each log row's
// params, and build revid -> {entry, firstFew}, processing rows oldest-first
// so a later log entry overwrites an earlier one for the same revid.
func buildRevisionIndex(rows []rawLogRow) (map[int64]indexEntry, error) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].Timestamp.Before(rows[j].Timestamp) })

	index := make(map[int64]indexEntry)
	for _, row := range rows {
		params, ids, err := parseLogParams(row.Params)
		if err != nil {
			// A malformed params blob shouldn't abort the whole query;
			// skip this log row's attribution.
			continue
		}

		firstThree := make(map[int64]bool, 3)
		for i, id := range ids {
			if i >= 3 {
				break
			}
			firstThree[id] = true
		}

		entry := LogEntry{
			LogID:     row.LogID,
			Timestamp: row.Timestamp,
			Actor:     row.Actor,
			Comment:   row.Comment,
			Params:    params,
		}

		for _, id := range ids {
			index[id] = indexEntry{entry: entry, isFirstFew: firstThree[id]}
		}
	}
	return index, nil
}

// parseLogParams implements spec.md §4.9 step 3: PHP-serialized form first
// ("a:" prefix), else the legacy newline form.
func parseLogParams(raw string) (DeletionParams, []int64, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "a:") {
		return parsePHPSerializedParams(trimmed)
	}
	return parseLegacyParams(raw)
}

func parsePHPSerializedParams(raw string) (DeletionParams, []int64, error) {
	v, err := phpserialize.Decode(raw)
	if err != nil {
		return DeletionParams{}, nil, fmt.Errorf("deletedrevisions: phpserialize: %w", err)
	}
	arr, ok := v.(phpserialize.Array)
	if !ok {
		return DeletionParams{}, nil, fmt.Errorf("deletedrevisions: expected array at top level")
	}

	params := DeletionParams{}
	if t, ok := arr.GetString("type"); ok {
		if s, ok := t.(string); ok {
			params.Type = s
		}
	}

	var ids []int64
	if idsVal, ok := arr.GetString("ids"); ok {
		if idsArr, ok := idsVal.(phpserialize.Array); ok {
			for _, v := range idsArr.Values {
				if n, ok := v.(int64); ok {
					ids = append(ids, n)
				}
			}
		}
	}

	if oldVal, ok := arr.GetString("old"); ok {
		params.OldBits = bitmaskFromValue(oldVal)
	}
	if newVal, ok := arr.GetString("new"); ok {
		params.NewBits = bitmaskFromValue(newVal)
	}

	params.IDs = ids
	return params, ids, nil
}

// bitmaskFromValue accepts either a raw integer bitmask or the nested
// {content,comment,user,restricted} array form some log versions use.
func bitmaskFromValue(v phpserialize.Value) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case phpserialize.Array:
		var bits int64
		if c, ok := val.GetString("content"); ok && truthy(c) {
			bits |= 1
		}
		if c, ok := val.GetString("comment"); ok && truthy(c) {
			bits |= 2
		}
		if c, ok := val.GetString("user"); ok && truthy(c) {
			bits |= 4
		}
		if c, ok := val.GetString("restricted"); ok && truthy(c) {
			bits |= 8
		}
		return bits
	default:
		return 0
	}
}

func truthy(v phpserialize.Value) bool {
	switch val := v.(type) {
	case int64:
		return val != 0
	case bool:
		return val
	default:
		return false
	}
}

// parseLegacyParams handles the pre-serialization format: a newline-joined
// blob whose second line is the revid and whose subsequent lines are
// ofield=/nfield= pairs carrying the old/new bitmasks.
func parseLegacyParams(raw string) (DeletionParams, []int64, error) {
	lines := strings.Split(raw, "\n")
	if len(lines) < 2 {
		return DeletionParams{}, nil, fmt.Errorf("deletedrevisions: legacy params too short")
	}

	revid, err := strconv.ParseInt(strings.TrimSpace(lines[1]), 10, 64)
	if err != nil {
		return DeletionParams{}, nil, fmt.Errorf("deletedrevisions: bad legacy revid %q: %w", lines[1], err)
	}

	params := DeletionParams{Type: "revision", IDs: []int64{revid}}
	for _, line := range lines[2:] {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "ofield="); ok {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				params.OldBits = n
			}
		} else if v, ok := strings.CutPrefix(line, "nfield="); ok {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				params.NewBits = n
			}
		}
	}

	return params, []int64{revid}, nil
}

type rawArchivePageRow struct {
	ArchiveID int64      `db:"ar_id"`
	PageID    *int64     `db:"ar_page_id"`
	Namespace int        `db:"ar_namespace"`
	Title     string     `db:"ar_title"`
	Timestamp time.Time  `db:"ar_timestamp"`
	Length    int64      `db:"ar_len"`
	LogID     *int64     `db:"log_id"`
	LogTS     *time.Time `db:"log_ts"`
}

// PagesForActor reconstructs deleted pages created by actor, joining
// archive_userindex-equivalent rows against deletion log candidates via
// Builder.JoinDeletionLog, per spec.md §4.9's page-reconstruction paragraph.
// The timestamp/title matching that picks candidate log rows lives in the
// join predicate itself rather than a Go-side scan; only tie-breaking among
// the (rare) multiple candidates a single archive row can match happens here.
func PagesForActor(ctx context.Context, db *sqlx.DB, actorID int64) ([]DeletedPage, error) {
	b := querycomposer.New(querycomposer.ArchiveTable, "ar").
		Select("ar.ar_id", "ar.ar_page_id", "ar.ar_namespace", "ar.ar_title", "ar.ar_timestamp", "ar.ar_len").
		Select("log.log_id", "log.log_timestamp AS log_ts").
		JoinActor("actor").
		JoinDeletionLog("log").
		Where("ar.ar_actor = %s", actorID).
		Where("ar.ar_parent_id IS NULL"). // page-creating revision only
		OrderBy("ar.ar_timestamp ASC")

	sql, args := b.Build()
	var rows []rawArchivePageRow
	if err := db.SelectContext(ctx, &rows, db.Rebind(sql), args...); err != nil {
		return nil, fmt.Errorf("deletedrevisions: query archive: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	type candidate struct {
		row   rawArchivePageRow
		logID *int64
		gap   time.Duration
	}
	best := make(map[int64]candidate, len(rows))
	order := make([]int64, 0, len(rows))
	for _, r := range rows {
		c, seen := best[r.ArchiveID]
		if !seen {
			order = append(order, r.ArchiveID)
			c = candidate{row: r}
		}
		if r.LogID != nil {
			gap := r.LogTS.Sub(r.Timestamp)
			if c.logID == nil || gap < c.gap {
				c.logID = r.LogID
				c.gap = gap
			}
		}
		best[r.ArchiveID] = c
	}

	logIDs := make([]int64, 0, len(order))
	for _, id := range order {
		if lid := best[id].logID; lid != nil {
			logIDs = append(logIDs, *lid)
		}
	}
	entries, err := fetchLogEntries(ctx, db, logIDs)
	if err != nil {
		return nil, err
	}

	out := make([]DeletedPage, 0, len(order))
	for _, id := range order {
		c := best[id]
		page := DeletedPage{
			PageID:    c.row.PageID,
			Namespace: c.row.Namespace,
			Title:     c.row.Title,
			CreatedAt: c.row.Timestamp,
			Length:    c.row.Length,
		}
		if entry, ok := entries[derefOr(c.logID, 0)]; ok && c.logID != nil {
			page.Entry = &entry
			page.Guessed = c.row.PageID == nil
		} else {
			page.Deleted = true
		}
		out = append(out, page)
	}
	return out, nil
}

func derefOr(v *int64, fallback int64) int64 {
	if v == nil {
		return fallback
	}
	return *v
}

// fetchLogEntries resolves full LogEntry data (actor, comment, params) for a
// batch of deletion-log ids already chosen by PagesForActor/buildRevisionIndex.
func fetchLogEntries(ctx context.Context, db *sqlx.DB, ids []int64) (map[int64]LogEntry, error) {
	out := make(map[int64]LogEntry, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	sql, args := querycomposer.New(querycomposer.LoggingTable, "log").
		Select("log.log_id", "log.log_timestamp", "actor.actor_name AS actor_name", "comment.comment_text AS comment_text", "log.log_params").
		JoinActor("actor").
		JoinComment("comment").
		Where("log.log_id = ANY(%s)", pq.Array(ids)).
		Build()

	var rows []rawLogRow
	if err := db.SelectContext(ctx, &rows, db.Rebind(sql), args...); err != nil {
		return nil, fmt.Errorf("deletedrevisions: query log entries: %w", err)
	}

	for _, row := range rows {
		params, _, err := parseLogParams(row.Params)
		if err != nil {
			out[row.LogID] = LogEntry{LogID: row.LogID, Timestamp: row.Timestamp, Actor: row.Actor, Comment: row.Comment}
			continue
		}
		out[row.LogID] = LogEntry{LogID: row.LogID, Timestamp: row.Timestamp, Actor: row.Actor, Comment: row.Comment, Params: params}
	}
	return out, nil
}

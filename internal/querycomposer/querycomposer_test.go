package querycomposer

import (
	"strings"
	"testing"
)

func TestJoinParentsRevision(t *testing.T) {
	b := New(RevisionTable, "rev").
		Select("rev.rev_id", "parent.rev_len AS parent_len").
		JoinParents("parent")
	sql, args := b.Build()
	if !strings.Contains(sql, "LEFT JOIN revision parent ON rev.rev_parent_id = parent.rev_id") {
		t.Fatalf("unexpected sql: %s", sql)
	}
	if len(args) != 0 {
		t.Fatalf("expected no args, got %v", args)
	}
}

func TestJoinParentsArchive(t *testing.T) {
	b := New(ArchiveTable, "ar").JoinParents("par")
	sql, _ := b.Build()
	if !strings.Contains(sql, "LEFT JOIN archive par ON ar.ar_parent_id = par.ar_id") {
		t.Fatalf("unexpected sql: %s", sql)
	}
}

func TestJoinDeletionLog(t *testing.T) {
	b := New(ArchiveTable, "ar").JoinDeletionLog("log")
	sql, _ := b.Build()
	for _, want := range []string{
		"log_type = 'delete'",
		"log_action LIKE 'delete%'",
		"log.log_timestamp > ar.ar_timestamp",
		"log.log_namespace = ar.ar_namespace",
	} {
		if !strings.Contains(sql, want) {
			t.Fatalf("expected sql to contain %q, got: %s", want, sql)
		}
	}
}

func TestHasTagAndLacksTag(t *testing.T) {
	withTag := New(RevisionTable, "rev").HasTag("ct", []string{"mw-reverted"})
	sql, args := withTag.Build()
	if !strings.Contains(sql, "ct.ct_id IS NOT NULL") {
		t.Fatalf("expected HasTag predicate, got: %s", sql)
	}
	if len(args) != 1 || args[0] != "mw-reverted" {
		t.Fatalf("unexpected args: %v", args)
	}

	without := New(RevisionTable, "rev").LacksTag("ct", []string{"mw-reverted"})
	sql2, _ := without.Build()
	if !strings.Contains(sql2, "ct.ct_id IS NULL") {
		t.Fatalf("expected LacksTag predicate, got: %s", sql2)
	}
}

func TestWhereUsesSequentialPlaceholders(t *testing.T) {
	b := New(RevisionTable, "rev").
		JoinActor("actor").
		Where("actor.actor_user = %s", 123).
		Where("rev.rev_deleted > %s", 0)
	sql, args := b.Build()
	if !strings.Contains(sql, "actor.actor_user = $1") || !strings.Contains(sql, "rev.rev_deleted > $2") {
		t.Fatalf("unexpected placeholder sequence: %s", sql)
	}
	if len(args) != 2 {
		t.Fatalf("expected 2 args, got %v", args)
	}
}

func TestBuilderIsImmutable(t *testing.T) {
	base := New(RevisionTable, "rev")
	withJoin := base.JoinActor("actor")
	baseSQL, _ := base.Build()
	joinSQL, _ := withJoin.Build()
	if strings.Contains(baseSQL, "JOIN actor") {
		t.Fatalf("expected base builder to remain unmodified, got: %s", baseSQL)
	}
	if !strings.Contains(joinSQL, "JOIN actor") {
		t.Fatalf("expected derived builder to contain join, got: %s", joinSQL)
	}
}

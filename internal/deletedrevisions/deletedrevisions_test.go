package deletedrevisions

import (
	"testing"
	"time"
)

func TestDecodeFlags(t *testing.T) {
	f := DecodeFlags(0b1101)
	if !f.Content || f.Comment || !f.User || !f.Restricted {
		t.Fatalf("unexpected flags: %+v", f)
	}
}

func TestParseLegacyParams(t *testing.T) {
	raw := "4\n123456\nofield=0\nnfield=5"
	params, ids, err := parseLogParams(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 1 || ids[0] != 123456 {
		t.Fatalf("expected ids=[123456], got %v", ids)
	}
	if params.OldBits != 0 || params.NewBits != 5 {
		t.Fatalf("unexpected bits: old=%d new=%d", params.OldBits, params.NewBits)
	}
}

func TestParsePHPSerializedParams(t *testing.T) {
	raw := `a:3:{s:4:"type";s:8:"revision";s:3:"ids";a:2:{i:0;i:111;i:1;i:222;}s:3:"old";i:0;}`
	params, ids, err := parseLogParams(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if params.Type != "revision" {
		t.Fatalf("expected type=revision, got %q", params.Type)
	}
	if len(ids) != 2 || ids[0] != 111 || ids[1] != 222 {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestBuildRevisionIndexLaterLogWins(t *testing.T) {
	rows := []rawLogRow{
		{LogID: 1, Timestamp: time.Unix(100, 0), Params: "4\n555\nofield=0\nnfield=1"},
		{LogID: 2, Timestamp: time.Unix(200, 0), Params: "4\n555\nofield=1\nnfield=3"},
	}
	index, err := buildRevisionIndex(rows)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entry, ok := index[555]
	if !ok {
		t.Fatalf("expected revid 555 to be indexed")
	}
	if entry.entry.LogID != 2 {
		t.Fatalf("expected the later log entry (id 2) to win, got %d", entry.entry.LogID)
	}
}

func TestBuildRevisionIndexIsLikelyCauseForFirstThreeIDs(t *testing.T) {
	rows := []rawLogRow{
		{LogID: 1, Timestamp: time.Unix(100, 0), Params: `a:2:{s:4:"type";s:8:"revision";s:3:"ids";a:5:{i:0;i:1;i:1;i:2;i:2;i:3;i:3;i:4;i:4;i:5;}}`},
	}
	index, err := buildRevisionIndex(rows)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !index[1].isFirstFew || !index[2].isFirstFew || !index[3].isFirstFew {
		t.Fatalf("expected ids 1,2,3 to be marked isFirstFew")
	}
	if index[4].isFirstFew || index[5].isFirstFew {
		t.Fatalf("expected ids 4,5 to NOT be marked isFirstFew")
	}
}

func TestMalformedLogRowIsSkippedNotFatal(t *testing.T) {
	rows := []rawLogRow{
		{LogID: 1, Timestamp: time.Unix(100, 0), Params: "garbage"},
		{LogID: 2, Timestamp: time.Unix(200, 0), Params: "4\n99\nofield=0\nnfield=1"},
	}
	index, err := buildRevisionIndex(rows)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := index[99]; !ok {
		t.Fatalf("expected well-formed row to still be indexed")
	}
}

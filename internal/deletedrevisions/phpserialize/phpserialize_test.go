package phpserialize

import "testing"

func TestDecodeInt(t *testing.T) {
	v, err := Decode("i:42;")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.(int64) != 42 {
		t.Fatalf("expected 42, got %v", v)
	}
}

func TestDecodeString(t *testing.T) {
	v, err := Decode(`s:8:"revision";`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.(string) != "revision" {
		t.Fatalf("expected %q, got %v", "revision", v)
	}
}

func TestDecodeListArray(t *testing.T) {
	v, err := Decode("a:2:{i:0;i:111;i:1;i:222;}")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	arr := v.(Array)
	if arr.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", arr.Len())
	}
	first, _ := arr.Get(0)
	if first.(int64) != 111 {
		t.Fatalf("expected 111, got %v", first)
	}
}

func TestDecodeNestedAssociativeArray(t *testing.T) {
	v, err := Decode(`a:2:{s:4:"type";s:8:"revision";s:3:"ids";a:2:{i:0;i:5;i:1;i:6;}}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	arr := v.(Array)
	typ, ok := arr.GetString("type")
	if !ok || typ.(string) != "revision" {
		t.Fatalf("expected type=revision, got %v ok=%v", typ, ok)
	}
	ids, ok := arr.GetString("ids")
	if !ok {
		t.Fatalf("expected ids key present")
	}
	idsArr := ids.(Array)
	if idsArr.Len() != 2 {
		t.Fatalf("expected 2 ids, got %d", idsArr.Len())
	}
}

func TestDecodeNull(t *testing.T) {
	v, err := Decode("N;")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != nil {
		t.Fatalf("expected nil, got %v", v)
	}
}

func TestDecodeMalformedReturnsError(t *testing.T) {
	if _, err := Decode("a:2:{i:0;i:1;"); err == nil {
		t.Fatalf("expected error for truncated array")
	}
}

package jsonutil

import "testing"

func TestPrettyJSON(t *testing.T) {
	got := PrettyJSON(`{"a":[1,2]}`)
	want := "{\n  \"a\": [\n    1,\n    2\n  ]\n}"
	if got != want {
		t.Errorf("PrettyJSON = %q, want %q", got, want)
	}
	if got := PrettyJSON("not json"); got != "not json" {
		t.Errorf("expected input back for invalid JSON, got %q", got)
	}
}

func TestCompactJSON(t *testing.T) {
	got := string(CompactJSON([]byte("{ \"a\" : 1,\n \"b\": [ ] }")))
	if got != `{"a":1,"b":[]}` {
		t.Errorf("CompactJSON = %s", got)
	}
}

func TestTruncateString(t *testing.T) {
	if got := TruncateString("worker2", 5); got != "wo..." {
		t.Errorf("expected wo..., got %s", got)
	}
	if got := TruncateString("你好世界", 3); got != "你好世" {
		t.Errorf("expected rune-safe cut, got %s", got)
	}
	if got := TruncateString("ok", 10); got != "ok" {
		t.Errorf("expected ok, got %s", got)
	}
}

package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestWriteResultFormats(t *testing.T) {
	data := map[string]any{
		"has_pin":    true,
		"expires_at": "2026-10-14T12:00:00Z",
		"files_info": []any{
			map[string]any{"filename": "notes.txt", "file_type": "text/plain", "file_size": 12},
		},
	}

	var buf bytes.Buffer
	writeResult(&buf, "table", "", data)
	table := buf.String()
	if !strings.Contains(table, "has_pin") || !strings.Contains(table, "notes.txt (text/plain, 12 bytes)") {
		t.Errorf("unexpected table output:\n%s", table)
	}
	if strings.Index(table, "expires_at") > strings.Index(table, "has_pin") {
		t.Error("table keys must be sorted")
	}

	buf.Reset()
	writeResult(&buf, "json", "", data)
	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("json output does not parse: %v", err)
	}
	if decoded["has_pin"] != true {
		t.Errorf("unexpected json output: %v", decoded)
	}

	buf.Reset()
	writeResult(&buf, "raw", "expires_at", data)
	if got := strings.TrimSpace(buf.String()); got != "2026-10-14T12:00:00Z" {
		t.Errorf("raw field: got %q", got)
	}
}

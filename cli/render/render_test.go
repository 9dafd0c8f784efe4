package render

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Format
		wantErr bool
	}{
		{"json lowercase", "json", FormatJSON, false},
		{"json uppercase", "JSON", FormatJSON, false},
		{"table", "table", FormatTable, false},
		{"yaml", "yaml", FormatYAML, false},
		{"empty", "", "", false},
		{"invalid", "xml", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFormat(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseFormat(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("ParseFormat(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseFormat_InvalidErrorMessage(t *testing.T) {
	_, err := ParseFormat("csv")
	if err == nil {
		t.Fatal("expected error for invalid format")
	}
	if !strings.Contains(err.Error(), "json, table, or yaml") {
		t.Errorf("error message should mention valid formats, got: %v", err)
	}
}

type targetRow struct {
	SocketID string   `json:"socket_id"`
	Priority int      `json:"priority"`
	Suffixes []string `json:"suffixes"`
}

func TestRenderer_JSON(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatJSON, &buf)

	if err := r.Render(map[string]string{"version": "1.2.0"}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if got := buf.String(); !strings.Contains(got, `"version": "1.2.0"`) {
		t.Errorf("JSON output missing expected content: %s", got)
	}
}

func TestRenderer_YAML(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatYAML, &buf)

	if err := r.Render(map[string]string{"status": "OK"}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if got := buf.String(); !strings.Contains(got, "status: OK") {
		t.Errorf("YAML output missing expected content: %s", got)
	}
}

func TestRenderer_Table_Struct(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatTable, &buf)

	row := targetRow{SocketID: "node1:50100", Priority: 1, Suffixes: []string{".h5", ".cbf"}}
	if err := r.Render(row); err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	got := buf.String()
	if !strings.Contains(got, "socket_id:") || !strings.Contains(got, "node1:50100") {
		t.Errorf("table output missing socket_id: %s", got)
	}
	if !strings.Contains(got, ".h5,.cbf") {
		t.Errorf("string slices should render joined: %s", got)
	}
}

func TestRenderer_Table_Slice(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatTable, &buf)

	rows := []targetRow{
		{SocketID: "node1:50100", Priority: 0},
		{SocketID: "node2:50101", Priority: 2},
	}
	if err := r.Render(rows); err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want header plus 2 rows:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "socket_id") {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.Contains(lines[2], "node2:50101") {
		t.Errorf("second row = %q", lines[2])
	}
}

func TestRenderer_Table_MapKeysSorted(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatTable, &buf)

	data := map[string]int{"files_failed": 1, "chunks_sent": 40, "events_received": 12}
	if err := r.Render(data); err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	want := []string{"chunks_sent:", "events_received:", "files_failed:"}
	for i, prefix := range want {
		if !strings.HasPrefix(lines[i], prefix) {
			t.Errorf("line %d = %q, want prefix %q", i, lines[i], prefix)
		}
	}
}

func TestRenderer_Table_EmptySlice(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatTable, &buf)

	if err := r.Render([]targetRow{}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if got := buf.String(); !strings.Contains(got, "(no results)") {
		t.Errorf("empty slice should show '(no results)', got: %s", got)
	}
}

type fileRow struct {
	Filename string   `json:"filename"`
	Filesize *int64   `json:"filesize,omitempty"`
	ModTime  *float64 `json:"file_mod_time,omitempty"`
	internal string
}

func TestRenderer_Record_JSONLines(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatJSON, &buf)

	size := int64(2048)
	for _, name := range []string{"a.h5", "b.h5"} {
		if err := r.Record(fileRow{Filename: name, Filesize: &size}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want one per record:\n%s", len(lines), buf.String())
	}
	if lines[1] != `{"filename":"b.h5","filesize":2048}` {
		t.Errorf("second line = %s", lines[1])
	}
}

func TestRenderer_Record_YAMLDocuments(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatYAML, &buf)

	for _, name := range []string{"a.h5", "b.h5"} {
		if err := r.Record(fileRow{Filename: name}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := buf.String(); strings.Count(got, "---") != 1 || !strings.Contains(got, "filename: b.h5") {
		t.Errorf("want two documents separated once, got:\n%s", got)
	}
}

func TestRenderer_Record_TableHeaderOnce(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatTable, &buf)

	size := int64(10)
	mod := 1729331000.25
	if err := r.Record(fileRow{Filename: "a.h5", Filesize: &size, ModTime: &mod}); err != nil {
		t.Fatal(err)
	}
	if err := r.Record(fileRow{Filename: "b.h5"}); err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want header plus 2 rows:\n%s", len(lines), buf.String())
	}
	if strings.Contains(lines[0], "internal") {
		t.Errorf("unexported fields must not render: %q", lines[0])
	}
	if !strings.Contains(lines[1], "1729331000.25") {
		t.Errorf("floats should render in plain notation: %q", lines[1])
	}
	if strings.Index(lines[1], "10") != strings.Index(lines[0], "filesize") {
		t.Errorf("columns not aligned:\n%s", buf.String())
	}
}

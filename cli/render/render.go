// Package render provides centralized output rendering for the shuttle CLI.
//
// Format selection rules:
//   - If output is a TTY, default to table
//   - If output is not a TTY, default to json
//   - --format flag always overrides defaults
//   - Invalid formats are errors
//
// Render writes one document. Record writes one element of an open-ended
// stream (one line of JSON, one YAML document, or one table row under a
// header printed once), which is how received files are listed.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

// Format represents an output format.
type Format string

// Supported formats.
const (
	FormatJSON  Format = "json"
	FormatTable Format = "table"
	FormatYAML  Format = "yaml"
)

// minColumnWidth is the narrowest column of a streamed table.
const minColumnWidth = 12

// ParseFormat parses a format string, returning an error for invalid formats.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON, nil
	case "table":
		return FormatTable, nil
	case "yaml":
		return FormatYAML, nil
	case "":
		return "", nil // caller picks the default
	default:
		return "", fmt.Errorf("invalid format: %q (must be json, table, or yaml)", s)
	}
}

// Renderer handles output formatting.
type Renderer struct {
	format Format
	out    io.Writer

	// stream state for Record
	yamlEnc *yaml.Encoder
	widths  []int
}

// NewRenderer creates a renderer from CLI context.
func NewRenderer(c *cli.Context) (*Renderer, error) {
	format, err := ParseFormat(c.String("format"))
	if err != nil {
		return nil, cli.Exit(err.Error(), 2)
	}
	if format == "" {
		format = FormatJSON
		if isTTY(os.Stdout) {
			format = FormatTable
		}
	}
	return NewRendererWithWriter(format, os.Stdout), nil
}

// NewRendererWithWriter creates a renderer with a custom writer.
func NewRendererWithWriter(format Format, out io.Writer) *Renderer {
	return &Renderer{format: format, out: out}
}

// Render outputs data as one document in the configured format.
func (r *Renderer) Render(data any) error {
	switch r.format {
	case FormatJSON:
		enc := json.NewEncoder(r.out)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case FormatYAML:
		enc := yaml.NewEncoder(r.out)
		enc.SetIndent(2)
		if err := enc.Encode(data); err != nil {
			return err
		}
		return enc.Close()
	case FormatTable:
		return r.renderTable(data)
	default:
		return fmt.Errorf("unknown format: %s", r.format)
	}
}

// Record outputs data as the next element of a stream.
func (r *Renderer) Record(data any) error {
	switch r.format {
	case FormatJSON:
		return json.NewEncoder(r.out).Encode(data)
	case FormatYAML:
		if r.yamlEnc == nil {
			r.yamlEnc = yaml.NewEncoder(r.out)
			r.yamlEnc.SetIndent(2)
		}
		return r.yamlEnc.Encode(data)
	case FormatTable:
		return r.tableRecord(data)
	default:
		return fmt.Errorf("unknown format: %s", r.format)
	}
}

// Close flushes stream state.
func (r *Renderer) Close() error {
	if r.yamlEnc != nil {
		return r.yamlEnc.Close()
	}
	return nil
}

func (r *Renderer) renderTable(data any) error {
	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)

	v := indirect(reflect.ValueOf(data))
	if v.Kind() == reflect.Slice {
		if v.Len() == 0 {
			fmt.Fprintln(r.out, "(no results)")
			return nil
		}
		names, _ := columns(v.Index(0))
		fmt.Fprintln(w, strings.Join(names, "\t"))
		for i := range v.Len() {
			_, values := columns(v.Index(i))
			fmt.Fprintln(w, strings.Join(values, "\t"))
		}
		return w.Flush()
	}

	names, values := columns(v)
	if names == nil {
		fmt.Fprintf(w, "%v\n", data)
		return w.Flush()
	}
	for i, name := range names {
		fmt.Fprintf(w, "%s:\t%s\n", name, values[i])
	}
	return w.Flush()
}

// tableRecord prints one row, preceded by the header on the first call.
// Column widths are fixed by the first record.
func (r *Renderer) tableRecord(data any) error {
	names, values := columns(indirect(reflect.ValueOf(data)))
	if names == nil {
		_, err := fmt.Fprintf(r.out, "%v\n", data)
		return err
	}
	if r.widths == nil {
		r.widths = make([]int, len(names))
		for i, name := range names {
			r.widths[i] = max(len(name), len(values[i]), minColumnWidth)
		}
		if err := r.writeRow(names); err != nil {
			return err
		}
	}
	return r.writeRow(values)
}

func (r *Renderer) writeRow(cells []string) error {
	var b strings.Builder
	for i, cell := range cells {
		if i > 0 {
			b.WriteString("  ")
		}
		if i < len(r.widths) && i < len(cells)-1 {
			fmt.Fprintf(&b, "%-*s", r.widths[i], cell)
			continue
		}
		b.WriteString(cell)
	}
	b.WriteByte('\n')
	_, err := io.WriteString(r.out, b.String())
	return err
}

// columns flattens a struct or map into parallel name and value slices.
// Struct names come from json tags; map keys are sorted. Any other kind
// returns nil names.
func columns(v reflect.Value) (names, values []string) {
	v = indirect(v)
	switch v.Kind() {
	case reflect.Struct:
		t := v.Type()
		for i := range t.NumField() {
			f := t.Field(i)
			name, ok := fieldName(f)
			if !ok {
				continue
			}
			names = append(names, name)
			values = append(values, formatValue(v.Field(i)))
		}
	case reflect.Map:
		for _, key := range sortedKeys(v) {
			names = append(names, fmt.Sprint(key.Interface()))
			values = append(values, formatValue(v.MapIndex(key)))
		}
	}
	return names, values
}

func fieldName(f reflect.StructField) (string, bool) {
	if !f.IsExported() {
		return "", false
	}
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	switch name {
	case "-":
		return "", false
	case "":
		return strings.ToLower(f.Name), true
	}
	return name, true
}

func formatValue(v reflect.Value) string {
	if !v.IsValid() {
		return ""
	}
	if v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return ""
		}
		return formatValue(v.Elem())
	}

	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(v.Float(), 'f', -1, 64)
	case reflect.Slice, reflect.Array:
		if v.Len() == 0 {
			return "[]"
		}
		if v.Type().Elem().Kind() == reflect.String {
			parts := make([]string, v.Len())
			for i := range parts {
				parts[i] = v.Index(i).String()
			}
			return strings.Join(parts, ",")
		}
		return fmt.Sprintf("[%d items]", v.Len())
	case reflect.Map:
		if v.Len() == 0 {
			return ""
		}
		parts := make([]string, 0, v.Len())
		for _, key := range sortedKeys(v) {
			parts = append(parts, fmt.Sprintf("%v=%s", key.Interface(), formatValue(v.MapIndex(key))))
		}
		return strings.Join(parts, ",")
	case reflect.Struct:
		if s, ok := v.Interface().(fmt.Stringer); ok {
			return s.String()
		}
		return "{...}"
	default:
		return fmt.Sprintf("%v", v.Interface())
	}
}

func indirect(v reflect.Value) reflect.Value {
	for v.Kind() == reflect.Pointer && !v.IsNil() {
		v = v.Elem()
	}
	return v
}

func sortedKeys(v reflect.Value) []reflect.Value {
	keys := v.MapKeys()
	slices.SortFunc(keys, func(a, b reflect.Value) int {
		return strings.Compare(fmt.Sprint(a.Interface()), fmt.Sprint(b.Interface()))
	})
	return keys
}

// isTTY returns true if the file is a terminal.
func isTTY(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

package codec

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/msconstructor/data-sync/store"
)

const idColumn = "id"

// ImportResult counts what a delimited import did.
type ImportResult struct {
	Inserted  int
	Updated   int
	Unchanged int
}

// ExportDelimited writes the live records of table as delimited text. The
// header is the id column followed by the union of payload keys in
// first-seen order. Strings that would read back as another type are quoted;
// nested values are written as quoted JSON.
func ExportDelimited(ctx context.Context, w io.Writer, src Lister, table string, opts ...Option) (int, error) {
	o, err := newOptions(opts)
	if err != nil {
		return 0, err
	}

	var (
		records []store.Record
		columns []string
		known   = map[string]bool{}
	)
	for rec, err := range src.List(ctx, table, nil) {
		if store.IsCorrupt(err) {
			o.logger.Warn("skipping unreadable record", "table", table, "error", err)
			continue
		}
		if err != nil {
			return 0, err
		}
		for _, k := range rec.Payload.Keys() {
			if k == idColumn {
				return 0, &store.ValidationError{Msg: fmt.Sprintf("record %s: payload key %q clashes with the id column", rec.ID, k)}
			}
			if !known[k] {
				known[k] = true
				columns = append(columns, k)
			}
		}
		records = append(records, rec)
	}

	bw := bufio.NewWriter(w)
	header := make([]string, 0, len(columns)+1)
	header = append(header, quoteIfNeeded(idColumn, o.comma))
	for _, c := range columns {
		header = append(header, quoteIfNeeded(c, o.comma))
	}
	writeRow(bw, header, o.comma)

	row := make([]string, len(columns)+1)
	for _, rec := range records {
		row[0] = quoteIfNeeded(rec.ID, o.comma)
		for i, c := range columns {
			v, ok := rec.Payload[c]
			if !ok {
				row[i+1] = ""
				continue
			}
			cell, err := encodeCell(v, o.comma)
			if err != nil {
				return 0, fmt.Errorf("record %s: %w", rec.ID, err)
			}
			row[i+1] = cell
		}
		writeRow(bw, row, o.comma)
	}
	if err := bw.Flush(); err != nil {
		return 0, fmt.Errorf("failed to write export: %w", err)
	}
	return len(records), nil
}

func writeRow(bw *bufio.Writer, cells []string, comma rune) {
	for i, c := range cells {
		if i > 0 {
			bw.WriteRune(comma)
		}
		bw.WriteString(c)
	}
	bw.WriteByte('\n')
}

func encodeCell(v store.Value, comma rune) (string, error) {
	switch x := v.(type) {
	case store.String:
		s := string(x)
		if s != "" && strings.ContainsRune(`{["`, rune(s[0])) {
			data, err := store.MarshalValue(x)
			if err != nil {
				return "", err
			}
			return quote(string(data)), nil
		}
		if s == "" || typedScalar(s) {
			return quote(s), nil
		}
		return quoteIfNeeded(s, comma), nil
	case store.List, store.Map:
		data, err := store.MarshalValue(x)
		if err != nil {
			return "", err
		}
		return quote(string(data)), nil
	default:
		data, err := store.MarshalValue(x)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}

func quoteIfNeeded(s string, comma rune) string {
	if strings.ContainsRune(s, comma) || strings.ContainsAny(s, "\"\r\n") {
		return quote(s)
	}
	return s
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// typedScalar reports whether an unquoted cell holding s reads back as a
// null, a boolean or a number.
func typedScalar(s string) bool {
	switch s {
	case "null", "true", "false":
		return true
	}
	return jsonNumber(s)
}

func jsonNumber(s string) bool {
	if s == "" || strings.TrimSpace(s) != s {
		return false
	}
	if c := s[0]; c != '-' && (c < '0' || c > '9') {
		return false
	}
	return json.Valid([]byte(s))
}

type field struct {
	text   string
	quoted bool
}

// value decodes a cell. ok is false for an empty unquoted cell, which means
// the key is absent.
func (f field) value() (v store.Value, ok bool, err error) {
	if !f.quoted {
		switch {
		case f.text == "":
			return nil, false, nil
		case f.text == "null":
			return store.Null{}, true, nil
		case f.text == "true":
			return store.Bool(true), true, nil
		case f.text == "false":
			return store.Bool(false), true, nil
		case jsonNumber(f.text):
			v, err := store.UnmarshalValue([]byte(f.text))
			return v, err == nil, err
		}
		v, err := store.ValueOf(f.text)
		return v, err == nil, err
	}
	if f.text != "" && strings.ContainsRune(`{["`, rune(f.text[0])) && json.Valid([]byte(f.text)) {
		v, err := store.UnmarshalValue([]byte(f.text))
		return v, err == nil, err
	}
	v, err = store.ValueOf(f.text)
	return v, err == nil, err
}

type rowReader struct {
	r     *bufio.Reader
	comma rune
	first bool
}

var errUnterminated = errors.New("unterminated quoted field")

// read returns the next row, or io.EOF once the input is exhausted.
func (p *rowReader) read() ([]field, error) {
	var (
		row      []field
		buf      strings.Builder
		quoted   bool
		inQuotes bool
		started  bool
	)
	for {
		c, _, err := p.r.ReadRune()
		if errors.Is(err, io.EOF) {
			if inQuotes {
				return nil, errUnterminated
			}
			if !started {
				return nil, io.EOF
			}
			return append(row, field{buf.String(), quoted}), nil
		}
		if err != nil {
			return nil, err
		}
		if p.first {
			p.first = false
			if c == '\uFEFF' {
				continue
			}
		}
		started = true

		if inQuotes {
			if c != '"' {
				buf.WriteRune(c)
				continue
			}
			next, _, err := p.r.ReadRune()
			switch {
			case err == nil && next == '"':
				buf.WriteByte('"')
				continue
			case err == nil:
				if err := p.r.UnreadRune(); err != nil {
					return nil, err
				}
			case !errors.Is(err, io.EOF):
				return nil, err
			}
			inQuotes = false
			continue
		}

		switch {
		case c == '"' && buf.Len() == 0 && !quoted:
			quoted, inQuotes = true, true
		case c == p.comma:
			row = append(row, field{buf.String(), quoted})
			buf.Reset()
			quoted = false
		case c == '\n':
			return append(row, field{buf.String(), quoted}), nil
		case c == '\r':
			next, _, err := p.r.ReadRune()
			if err == nil && next != '\n' {
				if err := p.r.UnreadRune(); err != nil {
					return nil, err
				}
			} else if err != nil && !errors.Is(err, io.EOF) {
				return nil, err
			}
			return append(row, field{buf.String(), quoted}), nil
		case quoted:
			return nil, fmt.Errorf("unexpected %q after closing quote", c)
		default:
			buf.WriteRune(c)
		}
	}
}

type importRow struct {
	id     string
	values map[string]store.Value
}

// ImportDelimited merges delimited text into table by id: matching records
// take the file's values for its columns, unknown ids are inserted. An empty
// unquoted cell removes the key. All rows are validated before anything is
// written; a missing id column or id cell is a *store.ValidationError.
func ImportDelimited(ctx context.Context, r io.Reader, dst Merger, table string, opts ...Option) (ImportResult, error) {
	var result ImportResult
	o, err := newOptions(opts)
	if err != nil {
		return result, err
	}

	rows, columns, err := parseDelimited(r, o.comma)
	if err != nil {
		return result, err
	}

	for _, row := range rows {
		existing, err := dst.Get(ctx, table, row.id)
		switch {
		case errors.Is(err, store.ErrNotFound) || store.IsCorrupt(err):
			if _, err := dst.Upsert(ctx, table, row.id, store.Map(row.values)); err != nil {
				return result, fmt.Errorf("failed to insert %s: %w", row.id, err)
			}
			result.Inserted++
			continue
		case err != nil:
			return result, err
		}

		merged := existing.Payload.Clone()
		if merged == nil {
			merged = store.Map{}
		}
		for _, c := range columns {
			if v, ok := row.values[c]; ok {
				merged[c] = v
			} else {
				delete(merged, c)
			}
		}
		if store.Equal(merged, existing.Payload) {
			result.Unchanged++
			continue
		}
		if _, err := dst.Upsert(ctx, table, row.id, merged); err != nil {
			return result, fmt.Errorf("failed to update %s: %w", row.id, err)
		}
		result.Updated++
	}
	return result, nil
}

func parseDelimited(r io.Reader, comma rune) ([]importRow, []string, error) {
	p := &rowReader{r: bufio.NewReader(r), comma: comma, first: true}
	header, err := p.read()
	if errors.Is(err, io.EOF) {
		return nil, nil, &store.ValidationError{Msg: "empty input"}
	}
	if err != nil {
		return nil, nil, &store.ValidationError{Msg: fmt.Sprintf("header: %v", err)}
	}

	idIdx := -1
	columns := make([]string, len(header))
	seen := make(map[string]bool, len(header))
	for i, h := range header {
		name := h.text
		if name == "" {
			return nil, nil, &store.ValidationError{Msg: fmt.Sprintf("header: column %d has no name", i+1)}
		}
		if seen[name] {
			return nil, nil, &store.ValidationError{Msg: fmt.Sprintf("header: duplicate column %q", name)}
		}
		seen[name] = true
		columns[i] = name
		if name == idColumn {
			idIdx = i
		}
	}
	if idIdx < 0 {
		return nil, nil, &store.ValidationError{Msg: "header: missing id column"}
	}
	payloadColumns := make([]string, 0, len(columns)-1)
	for i, c := range columns {
		if i != idIdx {
			payloadColumns = append(payloadColumns, c)
		}
	}

	var rows []importRow
	ids := make(map[string]int)
	for n := 2; ; n++ {
		fields, err := p.read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, &store.ValidationError{Msg: fmt.Sprintf("row %d: %v", n, err)}
		}
		if len(fields) == 1 && fields[0] == (field{}) {
			continue
		}
		if len(fields) != len(columns) {
			return nil, nil, &store.ValidationError{Msg: fmt.Sprintf("row %d: expected %d fields, got %d", n, len(columns), len(fields))}
		}
		id := fields[idIdx].text
		if id == "" {
			return nil, nil, &store.ValidationError{Msg: fmt.Sprintf("row %d: missing id", n)}
		}
		if prev, ok := ids[id]; ok {
			return nil, nil, &store.ValidationError{Msg: fmt.Sprintf("row %d: id %s already used in row %d", n, id, prev)}
		}
		ids[id] = n

		values := make(map[string]store.Value, len(columns))
		for i, f := range fields {
			if i == idIdx {
				continue
			}
			v, ok, err := f.value()
			if err != nil {
				return nil, nil, &store.ValidationError{Msg: fmt.Sprintf("row %d: column %s: %v", n, columns[i], err)}
			}
			if ok {
				values[columns[i]] = v
			}
		}
		rows = append(rows, importRow{id: id, values: values})
	}
	return rows, payloadColumns, nil
}

package codec

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/msconstructor/data-sync/store"
)

// Document is the structured export of one or more tables.
type Document struct {
	Tables map[string][]Entry `json:"tables"`
}

// Entry is one record of a structured export.
type Entry struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	SyncState store.SyncState `json:"syncState"`
	Tombstone bool            `json:"tombstone,omitempty"`
}

func entryOf(rec store.Record) (Entry, error) {
	payload := rec.Payload
	if payload == nil {
		payload = store.Map{}
	}
	data, err := store.MarshalValue(payload)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		ID:        rec.ID,
		Payload:   data,
		Version:   rec.Version,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
		SyncState: rec.SyncState,
		Tombstone: rec.Tombstone,
	}, nil
}

func (e Entry) record(table string) (store.Record, error) {
	if e.ID == "" {
		return store.Record{}, &store.ValidationError{Msg: fmt.Sprintf("table %s: record without id", table)}
	}
	if e.Version < 0 {
		return store.Record{}, &store.ValidationError{Msg: fmt.Sprintf("table %s: record %s: negative version", table, e.ID)}
	}
	payload := store.Map{}
	if len(e.Payload) > 0 && string(e.Payload) != "null" {
		p, err := store.UnmarshalPayload(e.Payload)
		if err != nil {
			return store.Record{}, &store.ValidationError{Msg: fmt.Sprintf("table %s: record %s: %v", table, e.ID, err)}
		}
		payload = p
	}
	return store.Record{
		ID:        e.ID,
		Payload:   payload,
		Version:   e.Version,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
		Tombstone: e.Tombstone,
	}, nil
}

// ExportStructured writes tables, or every table when none are given, as one
// Document. Tombstones are included. Unreadable records are skipped with a
// warning and the number of exported records is returned.
func ExportStructured(ctx context.Context, w io.Writer, src Source, tables []string, opts ...Option) (int, error) {
	o, err := newOptions(opts)
	if err != nil {
		return 0, err
	}
	if len(tables) == 0 {
		tables, err = src.Tables(ctx)
		if err != nil {
			return 0, err
		}
	}

	doc := Document{Tables: make(map[string][]Entry, len(tables))}
	n := 0
	for _, table := range tables {
		entries := make([]Entry, 0)
		for rec, err := range src.ListAll(ctx, table) {
			if store.IsCorrupt(err) {
				o.logger.Warn("skipping unreadable record", "table", table, "error", err)
				continue
			}
			if err != nil {
				return n, err
			}
			e, err := entryOf(rec)
			if err != nil {
				return n, err
			}
			entries = append(entries, e)
		}
		doc.Tables[table] = entries
		n += len(entries)
	}

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return n, fmt.Errorf("failed to write export: %w", err)
	}
	return n, nil
}

// ImportStructured restores a Document. Every entry is validated before the
// first record is written; imported records are queued for sync.
func ImportStructured(ctx context.Context, r io.Reader, dst Importer) (int, error) {
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return 0, &store.ValidationError{Msg: fmt.Sprintf("invalid structured document: %v", err)}
	}
	if doc.Tables == nil {
		return 0, &store.ValidationError{Msg: "invalid structured document: missing tables"}
	}

	tables := make([]string, 0, len(doc.Tables))
	for table := range doc.Tables {
		tables = append(tables, table)
	}
	slices.Sort(tables)

	records := make(map[string][]store.Record, len(tables))
	for _, table := range tables {
		if table == "" {
			return 0, &store.ValidationError{Msg: "empty table name"}
		}
		seen := make(map[string]bool, len(doc.Tables[table]))
		for _, e := range doc.Tables[table] {
			rec, err := e.record(table)
			if err != nil {
				return 0, err
			}
			if seen[rec.ID] {
				return 0, &store.ValidationError{Msg: fmt.Sprintf("table %s: duplicate record %s", table, rec.ID)}
			}
			seen[rec.ID] = true
			records[table] = append(records[table], rec)
		}
	}

	n := 0
	for _, table := range tables {
		for _, rec := range records[table] {
			if _, err := dst.Import(ctx, table, rec); err != nil {
				return n, fmt.Errorf("failed to import %s/%s: %w", table, rec.ID, err)
			}
			n++
		}
	}
	return n, nil
}

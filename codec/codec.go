// Package codec exports and imports table records. The structured codec is a
// lossless JSON document carrying record metadata; the delimited codec is a
// payload-only text table meant for spreadsheets.
package codec

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"unicode/utf8"

	"github.com/msconstructor/data-sync/store"
)

// Source lists every record of a table, tombstones included.
type Source interface {
	Tables(ctx context.Context) ([]string, error)
	ListAll(ctx context.Context, table string) iter.Seq2[store.Record, error]
}

// Importer restores structured records.
type Importer interface {
	Import(ctx context.Context, table string, rec store.Record) (store.Record, error)
}

// Lister yields the live records of a table.
type Lister interface {
	List(ctx context.Context, table string, pred store.Predicate) iter.Seq2[store.Record, error]
}

// Merger reads and writes records by id.
type Merger interface {
	Get(ctx context.Context, table, id string) (store.Record, error)
	Upsert(ctx context.Context, table, id string, payload any) (store.Record, error)
}

type Option func(*options)

type options struct {
	comma  rune
	logger *slog.Logger
}

// WithDelimiter sets the field separator of the delimited codec.
func WithDelimiter(r rune) Option {
	return func(o *options) {
		o.comma = r
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func newOptions(opts []Option) (*options, error) {
	o := &options{comma: ',', logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	if !validDelimiter(o.comma) {
		return nil, &store.ValidationError{Msg: fmt.Sprintf("invalid delimiter %q", o.comma)}
	}
	return o, nil
}

func validDelimiter(r rune) bool {
	return r != 0 && r != '"' && r != '\r' && r != '\n' && r != utf8.RuneError && utf8.ValidRune(r)
}

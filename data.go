package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/msconstructor/data-sync/codec"
)

const (
	codecStructured = "structured"
	codecDelimited  = "delimited"
)

type codecFlags struct {
	codec     string
	delimiter string
}

func (f *codecFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.codec, "codec", codecStructured, "structured (JSON with metadata) or delimited (payload only)")
	cmd.Flags().StringVar(&f.delimiter, "delimiter", ",", "field separator of the delimited codec")
}

func (f *codecFlags) options() ([]codec.Option, error) {
	if f.codec != codecStructured && f.codec != codecDelimited {
		return nil, fmt.Errorf("invalid codec %q: must be %s or %s", f.codec, codecStructured, codecDelimited)
	}
	if utf8.RuneCountInString(f.delimiter) != 1 {
		return nil, fmt.Errorf("delimiter must be a single character, got %q", f.delimiter)
	}
	r, _ := utf8.DecodeRuneInString(f.delimiter)
	return []codec.Option{codec.WithDelimiter(r)}, nil
}

func newExportCommand(opts *rootOptions) *cobra.Command {
	var (
		flags  codecFlags
		output string
	)
	cmd := &cobra.Command{
		Use:   "export [table...]",
		Short: "Export records",
		Long: `Export records for backup or spreadsheet editing.

The structured codec writes every given table, or all tables, including
metadata and tombstones. The delimited codec writes the live records of
exactly one table.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			codecOpts, err := flags.options()
			if err != nil {
				return err
			}
			if flags.codec == codecDelimited && len(args) != 1 {
				return fmt.Errorf("delimited export needs exactly one table")
			}
			codecOpts = append(codecOpts, codec.WithLogger(opts.logger))

			st, err := openLocal(opts.config, opts.logger)
			if err != nil {
				return err
			}
			defer st.Close()

			w := cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}

			var n int
			if flags.codec == codecDelimited {
				n, err = codec.ExportDelimited(cmd.Context(), w, st, args[0], codecOpts...)
			} else {
				n, err = codec.ExportStructured(cmd.Context(), w, st, args, codecOpts...)
			}
			if err != nil {
				return err
			}
			opts.logger.Info("export finished", "records", n, "codec", flags.codec)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to this file instead of stdout")
	return cmd
}

func newImportCommand(opts *rootOptions) *cobra.Command {
	var (
		flags codecFlags
		table string
	)
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import records",
		Long: `Import a structured or delimited export. Use - to read stdin.

Delimited rows are merged into --table by id: matching records take the
file's values, unknown ids are inserted. Nothing is written when any row
is invalid. Imported records are queued for the next sync.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			codecOpts, err := flags.options()
			if err != nil {
				return err
			}
			if flags.codec == codecDelimited && table == "" {
				return fmt.Errorf("delimited import needs --table")
			}

			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}

			st, err := openLocal(opts.config, opts.logger)
			if err != nil {
				return err
			}
			defer st.Close()

			out := cmd.OutOrStdout()
			if flags.codec == codecDelimited {
				result, err := codec.ImportDelimited(cmd.Context(), r, st, table, codecOpts...)
				if err != nil {
					return err
				}
				if opts.Format == "json" {
					return json.NewEncoder(out).Encode(map[string]int{
						"inserted":  result.Inserted,
						"updated":   result.Updated,
						"unchanged": result.Unchanged,
					})
				}
				fmt.Fprintf(out, "inserted %d, updated %d, unchanged %d\n", result.Inserted, result.Updated, result.Unchanged)
				return nil
			}

			n, err := codec.ImportStructured(cmd.Context(), r, st)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return json.NewEncoder(out).Encode(map[string]int{"imported": n})
			}
			fmt.Fprintf(out, "imported %d records\n", n)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&table, "table", "", "destination table of a delimited import")
	return cmd
}

func newStatsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show per table record and sync counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openLocal(opts.config, opts.logger)
			if err != nil {
				return err
			}
			defer st.Close()

			stats, err := st.Stats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.Format == "json" {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}

			table := tablewriter.NewWriter(out)
			table.Header("Table", "Records", "Unsynced", "Pending", "Conflicts", "Errors", "Tombstones", "Last update")
			var total, unsynced int
			for _, s := range stats {
				last := "-"
				if !s.LastUpdate.IsZero() {
					last = s.LastUpdate.Local().Format(time.DateTime)
				}
				err := table.Append([]string{
					s.Table,
					strconv.Itoa(s.Total),
					strconv.Itoa(s.Unsynced),
					strconv.Itoa(s.Pending),
					strconv.Itoa(s.Conflicts),
					strconv.Itoa(s.Errors),
					strconv.Itoa(s.Tombstones),
					last,
				})
				if err != nil {
					return err
				}
				total += s.Total
				unsynced += s.Unsynced + s.Pending + s.Conflicts + s.Errors
			}
			if err := table.Render(); err != nil {
				return err
			}
			fmt.Fprintf(out, "%d records, %d not synced\n", total, unsynced)
			return nil
		},
	}
}

func newPurgeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Remove deleted records every backend has confirmed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openLocal(opts.config, opts.logger)
			if err != nil {
				return err
			}
			defer st.Close()

			tables, err := st.Tables(cmd.Context())
			if err != nil {
				return err
			}
			purged := 0
			for _, table := range tables {
				n, err := st.PurgeSynced(cmd.Context(), table)
				if err != nil {
					return err
				}
				purged += n
			}
			if opts.Format == "json" {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]int{"purged": purged})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d records\n", purged)
			return nil
		},
	}
}

// Package source discovers completed input files in the watched directory
// and parses them into raw records.
package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/event-ingestion/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/event-ingestion/pkg/errors"
)

// SourceFile is a completed file ready to be read.
type SourceFile struct {
	Name string
	Path string
	Size int64
}

// Options configures a Watcher.
type Options struct {
	Dir        string
	Extension  string
	TempPrefix string
	MaxFiles   int
}

// Watcher lists the watched directory. It never opens a file whose name
// marks it as still being written.
type Watcher struct {
	opts   Options
	logger *slog.Logger
}

// NewWatcher creates a Watcher with defaults for zero-valued options.
func NewWatcher(opts Options) *Watcher {
	if opts.Extension == "" {
		opts.Extension = ".csv"
	}
	if opts.TempPrefix == "" {
		opts.TempPrefix = ".tmp_"
	}
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = 5
	}
	return &Watcher{
		opts:   opts,
		logger: slog.Default().With("component", "source-watcher", "dir", opts.Dir),
	}
}

// Discover returns up to MaxFiles completed files, in lexicographic name
// order, skipping any name for which processed reports true.
func (w *Watcher) Discover(processed func(name string) bool) ([]SourceFile, error) {
	entries, err := os.ReadDir(w.opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", w.opts.Dir, err)
	}
	names := make([]string, 0, len(entries))
	infos := make(map[string]os.FileInfo, len(entries))
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") || strings.HasPrefix(name, w.opts.TempPrefix) {
			continue
		}
		if filepath.Ext(name) != w.opts.Extension {
			continue
		}
		if !e.Type().IsRegular() {
			continue
		}
		if processed != nil && processed(name) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Renamed or removed between ReadDir and Info.
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("stat %s: %w", name, err)
		}
		names = append(names, name)
		infos[name] = info
	}
	sort.Strings(names)
	if len(names) > w.opts.MaxFiles {
		w.logger.Debug("discovery capped", "pending", len(names), "max", w.opts.MaxFiles)
		names = names[:w.opts.MaxFiles]
	}

	files := make([]SourceFile, 0, len(names))
	for _, name := range names {
		files = append(files, SourceFile{
			Name: name,
			Path: filepath.Join(w.opts.Dir, name),
			Size: infos[name].Size(),
		})
	}
	return files, nil
}

// ReadFile parses f. The first line must be the expected header; otherwise
// every data row is returned together with an error wrapping
// errors.ErrInvalidHeader so the caller can reject the file as a unit.
// Rows that cannot be parsed carry ParseErr instead of failing the file.
func ReadFile(ctx context.Context, f SourceFile) ([]ingestion.RawRecord, error) {
	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", f.Name, err)
	}
	defer fh.Close()
	return Parse(ctx, f.Name, fh)
}

// Parse reads CSV records for file name from r.
func Parse(ctx context.Context, name string, r io.Reader) ([]ingestion.RawRecord, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %s is empty", apperrors.ErrInvalidHeader, name)
	}
	headerErr := checkHeader(header, err)

	var records []ingestion.RawRecord
	row := 0
	for {
		if row%1024 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		row++
		rec := ingestion.RawRecord{File: name, Row: row}
		var parseErr *csv.ParseError
		switch {
		case err == nil:
		case errors.As(err, &parseErr):
			rec.ParseErr = err
		default:
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		if rec.ParseErr == nil && len(fields) != len(ingestion.Columns) {
			rec.ParseErr = fmt.Errorf("row has %d fields, want %d", len(fields), len(ingestion.Columns))
		}
		if len(fields) == len(ingestion.Columns) {
			fill(&rec, fields)
		}
		records = append(records, rec)
	}

	if headerErr != nil {
		return records, fmt.Errorf("%w: %s: %v", apperrors.ErrInvalidHeader, name, headerErr)
	}
	return records, nil
}

func checkHeader(header []string, err error) error {
	if err != nil {
		return err
	}
	if len(header) != len(ingestion.Columns) {
		return fmt.Errorf("got %d columns, want %d", len(header), len(ingestion.Columns))
	}
	for i, col := range header {
		if i == 0 {
			col = strings.TrimPrefix(col, "\ufeff")
		}
		col = strings.TrimSpace(col)
		if !strings.EqualFold(col, ingestion.Columns[i]) {
			return fmt.Errorf("column %d is %q, want %q", i+1, col, ingestion.Columns[i])
		}
	}
	return nil
}

func fill(rec *ingestion.RawRecord, f []string) {
	rec.EventID = f[0]
	rec.UserID = f[1]
	rec.ProductID = f[2]
	rec.ProductName = f[3]
	rec.ProductCategory = f[4]
	rec.EventType = f[5]
	rec.Price = f[6]
	rec.EventTimestamp = f[7]
}

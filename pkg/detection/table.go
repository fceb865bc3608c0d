package detection

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/sunilgandhilab/brainquant3d/pkg/errs"
)

// Table is the merged result: one row per detection.
type Table struct {
	Columns []string
	Rows    [][]float64
}

// Len returns the number of rows
func (t *Table) Len() int { return len(t.Rows) }

// Column returns the values of the named column, or nil if there is no such
// column.
func (t *Table) Column(name string) []float64 {
	for i, c := range t.Columns {
		if c == name {
			out := make([]float64, len(t.Rows))
			for r, row := range t.Rows {
				out[r] = row[i]
			}
			return out
		}
	}
	return nil
}

type tableFormat int

const (
	formatCSV tableFormat = iota
	formatJSON
)

// sinkFormat derives the format and compression of a sink from its name:
// .csv or .json, optionally followed by .zst.
func sinkFormat(path string) (tableFormat, bool, error) {
	name := strings.ToLower(path)
	compressed := strings.HasSuffix(name, ".zst")
	name = strings.TrimSuffix(name, ".zst")
	switch filepath.Ext(name) {
	case ".csv":
		return formatCSV, compressed, nil
	case ".json":
		return formatJSON, compressed, nil
	}
	return 0, false, errs.Configf("sink", "unsupported table format %q, use .csv or .json (optionally .zst)", path)
}

// WriteTable persists t at path. The file is written under a temporary name
// and renamed into place, so a failed write never leaves a partial table.
func WriteTable(path string, t *Table) (err error) {
	format, compressed, err := sinkFormat(path)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errs.Storagef("sink", err, "create directory for %s", path)
		}
	}

	tmp := path + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return errs.Storagef("sink", err, "create %s", tmp)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	buf := bufio.NewWriter(f)
	var w io.Writer = buf
	var enc *zstd.Encoder
	if compressed {
		if enc, err = zstd.NewWriter(buf); err != nil {
			return errs.Storagef("sink", err, "start compression")
		}
		w = enc
	}

	switch format {
	case formatCSV:
		err = writeCSV(w, t)
	case formatJSON:
		err = writeJSON(w, t)
	}
	if err != nil {
		return errs.Storagef("sink", err, "write %s", path)
	}
	if enc != nil {
		if err = enc.Close(); err != nil {
			return errs.Storagef("sink", err, "finish compression")
		}
	}
	if err = buf.Flush(); err != nil {
		return errs.Storagef("sink", err, "write %s", path)
	}
	if err = f.Close(); err != nil {
		return errs.Storagef("sink", err, "close %s", tmp)
	}
	if err = os.Rename(tmp, path); err != nil {
		return errs.Storagef("sink", err, "rename %s", tmp)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func writeCSV(w io.Writer, t *Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns); err != nil {
		return err
	}
	record := make([]string, len(t.Columns))
	for _, row := range t.Rows {
		for i, v := range row {
			record[i] = formatFloat(v)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// writeJSON writes a column oriented object, {"z": [...], "y": [...], ...},
// keeping the column order of the table.
func writeJSON(w io.Writer, t *Table) error {
	if _, err := io.WriteString(w, "{"); err != nil {
		return err
	}
	for i, c := range t.Columns {
		name, err := json.Marshal(c)
		if err != nil {
			return err
		}
		values, err := json.Marshal(nonNil(t.Column(c)))
		if err != nil {
			return fmt.Errorf("column %s: %w", c, err)
		}
		sep := ","
		if i == 0 {
			sep = ""
		}
		if _, err := fmt.Fprintf(w, "%s%s:%s", sep, name, values); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "}\n")
	return err
}

func nonNil(v []float64) []float64 {
	if v == nil {
		return []float64{}
	}
	return v
}

// ReadTable loads a CSV table written by WriteTable, decompressing .zst files.
func ReadTable(path string) (*Table, error) {
	format, compressed, err := sinkFormat(path)
	if err != nil {
		return nil, err
	}
	if format != formatCSV {
		return nil, errs.Configf("sink", "reading %s tables is not supported", filepath.Ext(path))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Storagef("sink", err, "open %s", path)
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if compressed {
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, errs.Storagef("sink", err, "start decompression")
		}
		defer dec.Close()
		r = dec
	}

	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, errs.Storagef("sink", err, "parse %s", path)
	}
	if len(records) == 0 {
		return nil, errs.Storagef("sink", nil, "%s has no header", path)
	}
	t := &Table{Columns: records[0]}
	for n, rec := range records[1:] {
		row := make([]float64, len(rec))
		for i, s := range rec {
			if row[i], err = strconv.ParseFloat(s, 64); err != nil {
				return nil, errs.Storagef("sink", err, "%s row %d", path, n+1)
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

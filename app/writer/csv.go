package writer

import (
	"bytes"
	"io"
	"strings"
)

type CSVOptions struct {
	Delimiter rune
	Enclosure rune
	// Escape of 0 disables the escape character.
	Escape rune
}

func DefaultCSVOptions() CSVOptions {
	return CSVOptions{Delimiter: ',', Enclosure: '"', Escape: '\\'}
}

// CSVWriter writes one row per item. Fields are enclosed only when they
// contain a delimiter, enclosure, escape or whitespace character; an
// enclosure inside a field is doubled unless it follows the escape character.
type CSVWriter struct {
	fileSet
	columns []Column
	opts    CSVOptions
}

var _ FileWriter = (*CSVWriter)(nil)

func NewCSVWriter(dir string, naming Naming, columns []Column, opts CSVOptions) *CSVWriter {
	defaults := DefaultCSVOptions()
	if opts.Delimiter == 0 {
		opts.Delimiter = defaults.Delimiter
	}
	if opts.Enclosure == 0 {
		opts.Enclosure = defaults.Enclosure
	}

	return &CSVWriter{
		fileSet: fileSet{dir: dir, naming: naming},
		columns: columns,
		opts:    opts,
	}
}

func (w *CSVWriter) Columns() []Column {
	return w.columns
}

// WriteHeader writes the configured column names as the first row.
func (w *CSVWriter) WriteHeader(out io.Writer) error {
	return w.WriteHeaderColumns(out, ColumnNames(w.columns))
}

// WriteHeaderColumns writes a caller supplied header row.
func (w *CSVWriter) WriteHeaderColumns(out io.Writer, columns []string) error {
	var buf bytes.Buffer
	w.opts.appendRecord(&buf, columns)
	_, err := out.Write(buf.Bytes())
	return err
}

func (w *CSVWriter) WriteTempFeedFile(items []Item) error {
	var buf bytes.Buffer
	fields := make([]string, len(w.columns))
	for _, item := range items {
		for i, column := range w.columns {
			fields[i] = column.Value(item)
		}
		w.opts.appendRecord(&buf, fields)
	}

	return w.appendTemp(func(out io.Writer) error {
		_, err := out.Write(buf.Bytes())
		return err
	})
}

// WriteTempFeedFileWithColumns appends rows for a caller supplied column
// list, for exports whose shape is only known at write time.
func (w *CSVWriter) WriteTempFeedFileWithColumns(items []Item, columns []string) error {
	var buf bytes.Buffer
	fields := make([]string, len(columns))
	for _, item := range items {
		for i, column := range columns {
			fields[i] = FormatValue(item[column])
		}
		w.opts.appendRecord(&buf, fields)
	}

	return w.appendTemp(func(out io.Writer) error {
		_, err := out.Write(buf.Bytes())
		return err
	})
}

func (w *CSVWriter) FinalizeTempFeedFile() error {
	return nil
}

func (o CSVOptions) appendRecord(buf *bytes.Buffer, fields []string) {
	for i, field := range fields {
		if i > 0 {
			buf.WriteRune(o.Delimiter)
		}
		o.appendField(buf, field)
	}
	buf.WriteByte('\n')
}

func (o CSVOptions) needsEnclosure(field string) bool {
	special := string([]rune{o.Delimiter, o.Enclosure}) + "\n\r\t "
	if o.Escape != 0 {
		special += string(o.Escape)
	}
	return strings.ContainsAny(field, special)
}

func (o CSVOptions) appendField(buf *bytes.Buffer, field string) {
	if !o.needsEnclosure(field) {
		buf.WriteString(field)
		return
	}

	buf.WriteRune(o.Enclosure)
	escaped := false
	for _, r := range field {
		switch {
		case o.Escape != 0 && r == o.Escape:
			escaped = true
		case !escaped && r == o.Enclosure:
			buf.WriteRune(o.Enclosure)
		default:
			escaped = false
		}
		buf.WriteRune(r)
	}
	buf.WriteRune(o.Enclosure)
}

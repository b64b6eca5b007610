package writer

import (
	"bytes"
	"encoding/json"
	"io"
	"maps"
	"reflect"
)

// sourceKey holds an item's original JSON encoding. It is not valid UTF-8,
// so no decoded JSON object can carry it as a field.
const sourceKey = "\xffsource"

// WithSource records raw as the original encoding of item, which must be
// the decoding of raw. JSONWriter writes raw instead of the map while the
// fields still match, keeping the source's key order.
func WithSource(item Item, raw json.RawMessage) Item {
	item[sourceKey] = raw
	return item
}

// Source returns the encoding recorded by WithSource.
func Source(item Item) (json.RawMessage, bool) {
	raw, ok := item[sourceKey].(json.RawMessage)
	return raw, ok
}

// JSONWriter appends one encoded JSON value per write. A file with several
// batches is a stream of concatenated values, not a single array.
type JSONWriter struct {
	fileSet
}

var _ FileWriter = (*JSONWriter)(nil)

func NewJSONWriter(dir string, naming Naming) *JSONWriter {
	return &JSONWriter{fileSet: fileSet{dir: dir, naming: naming}}
}

func (w *JSONWriter) WriteHeader(io.Writer) error {
	return nil
}

func (w *JSONWriter) WriteTempFeedFile(items []Item) error {
	values := make([]any, len(items))
	for i, item := range items {
		values[i] = encodable(item)
	}
	return w.WriteValue(values)
}

// encodable returns the recorded source of item when its fields were not
// changed since decoding, and the bare field map otherwise.
func encodable(item Item) any {
	raw, ok := Source(item)
	if !ok {
		return item
	}

	fields := maps.Clone(item)
	delete(fields, sourceKey)

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var decoded map[string]any
	if err := decoder.Decode(&decoded); err != nil || !reflect.DeepEqual(decoded, fields) {
		return fields
	}
	return raw
}

// WriteValue appends v encoded with HTML-safe escaping and no separator.
func (w *JSONWriter) WriteValue(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return &FileWriteError{Path: w.TempFilePath(), Message: "unable to encode feed data", Err: err}
	}

	return w.appendTemp(func(out io.Writer) error {
		_, err := out.Write(data)
		return err
	})
}

// FinalizeTempFeedFile writes "[]" when no batch was written, so an empty
// generation still promotes a valid document.
func (w *JSONWriter) FinalizeTempFeedFile() error {
	size, err := w.tempSize()
	if err != nil {
		return err
	}
	if size > 0 {
		return nil
	}
	return w.WriteValue([]Item{})
}

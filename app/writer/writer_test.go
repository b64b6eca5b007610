package writer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCSVWriter(t *testing.T) *CSVWriter {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "promotions_feed")
	columns := []Column{{Name: "id"}, {Name: "title"}, {Name: "price"}}
	return NewCSVWriter(dir, SecretNaming{FeedType: "promotions", Secret: "abc123", Extension: "csv"}, columns, CSVOptions{})
}

func startCSV(t *testing.T, w *CSVWriter) {
	t.Helper()
	require.NoError(t, w.CreateFeedDirectory())
	f, err := w.PrepareTemporaryFeedFile()
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(f))
	require.NoError(t, f.Close())
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestNamingInvariants(t *testing.T) {
	dir := t.TempDir()
	writers := map[string]FileWriter{
		"csv":  NewCSVWriter(dir, SecretNaming{FeedType: "ratings_and_reviews", Secret: "s1", Extension: "csv"}, nil, CSVOptions{}),
		"json": NewJSONWriter(dir, SecretNaming{FeedType: "navigation_menu", Secret: "s2", Extension: "json"}),
	}

	for name, w := range writers {
		t.Run(name, func(t *testing.T) {
			assert.Contains(t, w.TempFileName(), "temp_")
			assert.NotContains(t, w.FileName(), "temp_")
			assert.Contains(t, w.FileName(), "_feed_")
			assert.True(t, strings.HasSuffix(w.FileName(), "."+name))
			assert.Equal(t, filepath.Join(dir, w.FileName()), w.FilePath())
			assert.Equal(t, filepath.Join(dir, w.TempFileName()), w.TempFilePath())
			assert.Equal(t, dir, w.FileDirectory())
		})
	}

	n := SecretNaming{FeedType: "promotions", Secret: "xyz", Extension: "csv"}
	assert.Equal(t, "promotions_feed_xyz.csv", n.FileName())
	assert.Equal(t, "temp_promotions_feed_xyz.csv", n.TempFileName())
}

func TestCreateFeedDirectoryIsIdempotent(t *testing.T) {
	w := newTestCSVWriter(t)

	require.NoError(t, w.CreateFeedDirectory())
	for name := range protectionFiles {
		assert.FileExists(t, filepath.Join(w.FileDirectory(), name))
	}

	// A customised marker must survive a second call.
	htaccess := filepath.Join(w.FileDirectory(), ".htaccess")
	require.NoError(t, os.WriteFile(htaccess, []byte("custom"), 0o644))
	require.NoError(t, w.CreateFeedDirectory())

	data, err := os.ReadFile(htaccess)
	require.NoError(t, err)
	assert.Equal(t, "custom", string(data))
}

func TestCSVHeaderThenRows(t *testing.T) {
	w := newTestCSVWriter(t)
	startCSV(t, w)

	rows := []Item{
		{"id": "1", "title": "First", "price": 10.5},
		{"id": "2", "title": "Second", "price": 3},
		{"id": "3", "title": "Third"},
	}
	for _, row := range rows {
		require.NoError(t, w.WriteTempFeedFile([]Item{row}))
	}

	lines := readLines(t, w.TempFilePath())
	require.Len(t, lines, len(rows)+1)
	assert.Equal(t, "id,title,price", lines[0])
	assert.Equal(t, "1,First,10.5", lines[1])
	assert.Equal(t, "2,Second,3", lines[2])
	assert.Equal(t, "3,Third,", lines[3])
}

func TestCSVEnclosureAndEscape(t *testing.T) {
	tests := []struct {
		name  string
		field string
		want  string
	}{
		{"plain", "simple", "simple"},
		{"delimiter", "a,b", `"a,b"`},
		{"space", "two words", `"two words"`},
		{"enclosure doubled", `say "hi"`, `"say ""hi"""`},
		{"escaped enclosure kept", `a\"b`, `"a\"b"`},
		{"escape alone", `back\slash`, `"back\slash"`},
	}

	opts := DefaultCSVOptions()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			opts.appendField(&buf, tt.field)
			assert.Equal(t, tt.want, buf.String())
		})
	}
}

func TestCSVCustomDelimiter(t *testing.T) {
	dir := t.TempDir()
	w := NewCSVWriter(dir, SecretNaming{FeedType: "shipping_profiles", Secret: "s", Extension: "csv"},
		[]Column{{Name: "a"}, {Name: "b"}}, CSVOptions{Delimiter: ';', Enclosure: '\''})
	startCSV(t, w)
	require.NoError(t, w.WriteTempFeedFile([]Item{{"a": "x;y", "b": "it's"}}))

	lines := readLines(t, w.TempFilePath())
	require.Len(t, lines, 2)
	assert.Equal(t, "a;b", lines[0])
	assert.Equal(t, `'x;y';'it''s'`, lines[1])
}

func TestCSVColumnFallbacks(t *testing.T) {
	dir := t.TempDir()
	columns := []Column{
		{Name: "id"},
		{Name: "description", Sources: []string{"description", "short_description", "parent_description"}},
	}
	w := NewCSVWriter(dir, SecretNaming{FeedType: "promotions", Secret: "s", Extension: "csv"}, columns, CSVOptions{})
	startCSV(t, w)

	require.NoError(t, w.WriteTempFeedFile([]Item{
		{"id": "1", "description": "own"},
		{"id": "2", "description": "", "short_description": "short"},
		{"id": "3", "parent_description": "parent"},
		{"id": "4"},
	}))

	lines := readLines(t, w.TempFilePath())
	assert.Equal(t, []string{"id,description", "1,own", "2,short", "3,parent", "4,"}, lines)
}

func TestCSVDynamicColumns(t *testing.T) {
	dir := t.TempDir()
	w := NewCSVWriter(dir, SecretNaming{FeedType: "language", Secret: "s", Extension: "csv"}, nil, CSVOptions{})
	require.NoError(t, w.CreateFeedDirectory())
	f, err := w.PrepareTemporaryFeedFile()
	require.NoError(t, err)
	columns := []string{"id", "override", "title"}
	require.NoError(t, w.WriteHeaderColumns(f, columns))
	require.NoError(t, f.Close())

	require.NoError(t, w.WriteTempFeedFileWithColumns([]Item{
		{"id": "p1", "override": "es_XX", "title": "Camisa"},
		{"id": "p2", "override": "es_XX"},
	}, columns))

	lines := readLines(t, w.TempFilePath())
	assert.Equal(t, []string{"id,override,title", "p1,es_XX,Camisa", "p2,es_XX,"}, lines)
}

func TestWriteWithoutPreparedFileFails(t *testing.T) {
	w := newTestCSVWriter(t)
	require.NoError(t, w.CreateFeedDirectory())

	err := w.WriteTempFeedFile([]Item{{"id": "1"}})
	require.Error(t, err)

	var writeErr *FileWriteError
	require.True(t, errors.As(err, &writeErr))
	assert.Contains(t, writeErr.Error(), "unable to append to temporary file")

	var openErr *FileOpenError
	require.True(t, errors.As(err, &openErr))
	assert.Contains(t, openErr.Error(), "unable to open temporary file")
	assert.NoFileExists(t, w.TempFilePath())
}

func TestJSONWriteWithoutPreparedFileIsWriteError(t *testing.T) {
	w := NewJSONWriter(t.TempDir(), SecretNaming{FeedType: "navigation_menu", Secret: "s", Extension: "json"})
	require.NoError(t, w.CreateFeedDirectory())

	err := w.WriteTempFeedFile([]Item{{"title": "Home"}})
	require.Error(t, err)

	var writeErr *FileWriteError
	require.True(t, errors.As(err, &writeErr))
	assert.Equal(t, w.TempFilePath(), writeErr.Path)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestJSONRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONWriter(dir, SecretNaming{FeedType: "navigation_menu", Secret: "s", Extension: "json"})
	require.NoError(t, w.CreateFeedDirectory())
	f, err := w.PrepareTemporaryFeedFile()
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, w.WriteValue(map[string]any{}))

	data, err := os.ReadFile(w.TempFilePath())
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, map[string]any{}, decoded)
}

func TestJSONEmptyBatch(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONWriter(dir, SecretNaming{FeedType: "navigation_menu", Secret: "s", Extension: "json"})
	require.NoError(t, w.CreateFeedDirectory())
	f, err := w.PrepareTemporaryFeedFile()
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, w.WriteTempFeedFile(nil))

	data, err := os.ReadFile(w.TempFilePath())
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))
}

func TestJSONConcatenatedBatches(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONWriter(dir, SecretNaming{FeedType: "navigation_menu", Secret: "s", Extension: "json"})
	require.NoError(t, w.CreateFeedDirectory())
	f, err := w.PrepareTemporaryFeedFile()
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, w.WriteTempFeedFile([]Item{{"title": "Home <b>", "url": "/"}}))
	require.NoError(t, w.WriteTempFeedFile([]Item{{"title": "Shop & more"}}))

	data, err := os.ReadFile(w.TempFilePath())
	require.NoError(t, err)
	assert.Contains(t, string(data), `\u003cb\u003e`)
	assert.Contains(t, string(data), `\u0026`)
	assert.NotContains(t, string(data), `<b>`)
	assert.NotContains(t, string(data), `&`)

	dec := json.NewDecoder(bytes.NewReader(data))
	var batches [][]map[string]any
	for {
		var batch []map[string]any
		if err := dec.Decode(&batch); err == io.EOF {
			break
		} else {
			require.NoError(t, err)
		}
		batches = append(batches, batch)
	}
	require.Len(t, batches, 2)
	assert.Equal(t, "Home <b>", batches[0][0]["title"])
	assert.Equal(t, "Shop & more", batches[1][0]["title"])
}

func TestJSONKeepsSourceKeyOrder(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONWriter(dir, SecretNaming{FeedType: "navigation_menu", Secret: "s", Extension: "json"})
	require.NoError(t, w.CreateFeedDirectory())
	f, err := w.PrepareTemporaryFeedFile()
	require.NoError(t, err)
	require.NoError(t, f.Close())

	kept := WithSource(Item{"url": "/", "title": "Home <b>", "position": json.Number("1")},
		json.RawMessage(`{"url": "/", "title": "Home <b>", "position": 1}`))
	changed := WithSource(Item{"url": "/shop", "title": "Shop"},
		json.RawMessage(`{"url": "/shop", "title": "Shop"}`))
	changed["title"] = "Store"

	require.NoError(t, w.WriteTempFeedFile([]Item{kept, changed, {"b": 2, "a": 1}}))

	data, err := os.ReadFile(w.TempFilePath())
	require.NoError(t, err)
	assert.Equal(t, `[{"url":"/","title":"Home \u003cb\u003e","position":1},{"title":"Store","url":"/shop"},{"a":1,"b":2}]`, string(data))
	assert.NotContains(t, string(data), "source")
}

func TestJSONFinalizeWritesEmptyArray(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONWriter(dir, SecretNaming{FeedType: "navigation_menu", Secret: "s", Extension: "json"})
	require.NoError(t, w.CreateFeedDirectory())
	f, err := w.PrepareTemporaryFeedFile()
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, w.FinalizeTempFeedFile())
	require.NoError(t, w.PromoteTempFile())

	data, err := os.ReadFile(w.FilePath())
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))

	// Finalize leaves non-empty files alone.
	f, err = w.PrepareTemporaryFeedFile()
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, w.WriteValue([]int{1}))
	require.NoError(t, w.FinalizeTempFeedFile())
	data, err = os.ReadFile(w.TempFilePath())
	require.NoError(t, err)
	assert.Equal(t, "[1]", string(data))
}

func TestPromoteReplacesPublicFile(t *testing.T) {
	w := newTestCSVWriter(t)
	startCSV(t, w)
	require.NoError(t, w.WriteTempFeedFile([]Item{{"id": "1", "title": "old"}}))
	require.NoError(t, w.PromoteTempFile())

	assert.NoFileExists(t, w.TempFilePath())
	lines := readLines(t, w.FilePath())
	assert.Equal(t, []string{"id,title,price", "1,old,"}, lines)

	// A new generation in flight does not touch the public file.
	startCSV(t, w)
	require.NoError(t, w.WriteTempFeedFile([]Item{{"id": "2", "title": "new"}}))
	assert.Equal(t, []string{"id,title,price", "1,old,"}, readLines(t, w.FilePath()))

	require.NoError(t, w.PromoteTempFile())
	assert.Equal(t, []string{"id,title,price", "2,new,"}, readLines(t, w.FilePath()))
}

func TestPromoteFailureKeepsPublicFile(t *testing.T) {
	w := newTestCSVWriter(t)
	startCSV(t, w)
	require.NoError(t, w.WriteTempFeedFile([]Item{{"id": "1", "title": "kept"}}))
	require.NoError(t, w.PromoteTempFile())

	// The temp file no longer exists, so a second promotion must fail.
	err := w.PromoteTempFile()
	require.Error(t, err)
	var openErr *FileOpenError
	assert.True(t, errors.As(err, &openErr))

	assert.Equal(t, []string{"id,title,price", "1,kept,"}, readLines(t, w.FilePath()))
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"text", "text"},
		{true, "true"},
		{42, "42"},
		{int64(7), "7"},
		{12.0, "12"},
		{0.25, "0.25"},
		{json.Number("99"), "99"},
		{[]any{"a", "b"}, `["a","b"]`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatValue(tt.in))
	}
}

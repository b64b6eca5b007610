// Package writer owns the on-disk lifecycle of a feed file pair: the public
// file external consumers fetch and the temporary file a regeneration writes
// into. Consumers only ever see a complete file because writes go to the
// temporary file and PromoteTempFile replaces the public file with a rename.
package writer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Item is one opaque source record.
type Item = map[string]any

type FileWriter interface {
	CreateFeedDirectory() error
	PrepareTemporaryFeedFile() (*os.File, error)
	WriteHeader(w io.Writer) error
	WriteTempFeedFile(items []Item) error
	FinalizeTempFeedFile() error
	PromoteTempFile() error

	FileDirectory() string
	FileName() string
	TempFileName() string
	FilePath() string
	TempFilePath() string
}

// Naming derives the public and temporary file names of a feed.
type Naming interface {
	FileName() string
	TempFileName() string
}

// SecretNaming names files "{feed_type}_feed_{secret}.{ext}".
type SecretNaming struct {
	FeedType  string
	Secret    string
	Extension string
}

func (n SecretNaming) FileName() string {
	return fmt.Sprintf("%s_feed_%s.%s", n.FeedType, n.Secret, n.Extension)
}

func (n SecretNaming) TempFileName() string {
	return "temp_" + n.FileName()
}

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// Marker files laid down next to the feeds so a web server pointed at the
// directory neither lists nor serves it directly.
var protectionFiles = map[string]string{
	".htaccess":  "Options -Indexes\ndeny from all\n",
	"index.html": "",
}

// fileSet implements the format independent part of FileWriter.
type fileSet struct {
	dir    string
	naming Naming
}

func (f *fileSet) FileDirectory() string {
	return f.dir
}

func (f *fileSet) FileName() string {
	return f.naming.FileName()
}

func (f *fileSet) TempFileName() string {
	return f.naming.TempFileName()
}

func (f *fileSet) FilePath() string {
	return filepath.Join(f.dir, f.FileName())
}

func (f *fileSet) TempFilePath() string {
	return filepath.Join(f.dir, f.TempFileName())
}

func (f *fileSet) CreateFeedDirectory() error {
	if err := os.MkdirAll(f.dir, dirPerm); err != nil {
		return &FileWriteError{Path: f.dir, Message: "unable to create feed directory", Err: err}
	}

	for name, content := range protectionFiles {
		path := filepath.Join(f.dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		} else if !errors.Is(err, os.ErrNotExist) {
			return &FileWriteError{Path: path, Message: "unable to check protection file", Err: err}
		}

		if err := os.WriteFile(path, []byte(content), filePerm); err != nil {
			return &FileWriteError{Path: path, Message: "unable to write protection file", Err: err}
		}
	}

	return nil
}

// PrepareTemporaryFeedFile truncates (or creates) the temporary file and
// returns it open for writing. The caller closes it.
func (f *fileSet) PrepareTemporaryFeedFile() (*os.File, error) {
	path := f.TempFilePath()
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePerm)
	if err != nil {
		return nil, &FileOpenError{Path: path, Message: "unable to create temporary file", Err: err}
	}
	return file, nil
}

// appendTemp opens the temporary file in append mode, hands it to write and
// closes it again. The file must already exist: a missing temp file means the
// start step never ran and appending would produce a headless artifact.
func (f *fileSet) appendTemp(write func(w io.Writer) error) error {
	path := f.TempFilePath()
	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, filePerm)
	if err != nil {
		return &FileWriteError{
			Path:    path,
			Message: "unable to append to temporary file",
			Err:     &FileOpenError{Path: path, Message: "unable to open temporary file", Err: err},
		}
	}

	if err := write(file); err != nil {
		file.Close()
		return &FileWriteError{Path: path, Message: "unable to write temporary file", Err: err}
	}

	if err := file.Close(); err != nil {
		return &FileWriteError{Path: path, Message: "unable to close temporary file", Err: err}
	}

	return nil
}

func (f *fileSet) tempSize() (int64, error) {
	info, err := os.Stat(f.TempFilePath())
	if err != nil {
		return 0, &FileOpenError{Path: f.TempFilePath(), Message: "unable to stat temporary file", Err: err}
	}
	return info.Size(), nil
}

// PromoteTempFile flushes the temporary file to disk and renames it over the
// public file. Rename within one directory is atomic, so on any failure the
// previous public file is left as it was.
func (f *fileSet) PromoteTempFile() error {
	tempPath := f.TempFilePath()

	file, err := os.OpenFile(tempPath, os.O_RDWR, filePerm)
	if err != nil {
		return &FileOpenError{Path: tempPath, Message: "unable to open temporary file", Err: err}
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return &FileWriteError{Path: tempPath, Message: "unable to sync temporary file", Err: err}
	}
	if err := file.Close(); err != nil {
		return &FileWriteError{Path: tempPath, Message: "unable to close temporary file", Err: err}
	}

	if err := os.Rename(tempPath, f.FilePath()); err != nil {
		return &FileWriteError{Path: f.FilePath(), Message: "unable to promote temporary file", Err: err}
	}

	return nil
}

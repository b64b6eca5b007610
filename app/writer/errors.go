package writer

import "fmt"

// FileOpenError is returned when a feed file cannot be created or opened.
type FileOpenError struct {
	Path    string
	Message string
	Err     error
}

func (e *FileOpenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Message, e.Path, e.Err)
	}
	return fmt.Sprintf("%s %s", e.Message, e.Path)
}

func (e *FileOpenError) Unwrap() error {
	return e.Err
}

// FileWriteError is returned when writing, syncing or promoting a feed file fails.
type FileWriteError struct {
	Path    string
	Message string
	Err     error
}

func (e *FileWriteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Message, e.Path, e.Err)
	}
	return fmt.Sprintf("%s %s", e.Message, e.Path)
}

func (e *FileWriteError) Unwrap() error {
	return e.Err
}

package dataset

import "fmt"

// MissingDataError reports a required cached file that is absent at load time
// and could not be (re)downloaded. Not retried: the caller must re-run the
// download or fix the cache.
type MissingDataError struct {
	Path string
}

func (e *MissingDataError) Error() string {
	return fmt.Sprintf("required cached file %s is missing", e.Path)
}

// FormatError reports a cached file that cannot be parsed into the canonical
// shape.
type FormatError struct {
	Path string
	Err  error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("cached file %s cannot be parsed: %v", e.Path, e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

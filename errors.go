package zipar

import (
	"errors"
	"fmt"
)

var (
	// ErrFileNotFound is returned by ByIndex when the index is out of
	// range and by ByName when no entry has the given name.
	ErrFileNotFound = errors.New("specified file not found in archive")

	// ErrInvalidPassword is returned when a password fails validation
	// against an encrypted entry. Callers should treat it as "the
	// password was wrong", distinct from a malformed archive.
	ErrInvalidPassword = errors.New("invalid password for file in archive")

	// ErrSourceBusy is returned when opening an entry while another entry
	// reader from the same archive has not been closed yet.
	ErrSourceBusy = errors.New("archive source is lent to an open entry reader; close it first")

	// ErrLargeFile is the sticky error returned by Writer when an entry
	// grows past 4 GiB without the LargeFile option.
	ErrLargeFile = errors.New("Large file option has not been set")
)

// InvalidArchiveError reports a structural violation: a bad signature,
// truncation, inconsistent offsets, or a malformed extra field.
type InvalidArchiveError struct {
	Reason string
}

func (e InvalidArchiveError) Error() string {
	return "invalid zip archive: " + e.Reason
}

func invalidArchive(reason string) error {
	return InvalidArchiveError{Reason: reason}
}

// UnsupportedArchiveError reports an archive that is structurally sound but
// uses a feature this implementation rejects by design.
type UnsupportedArchiveError struct {
	Reason string
}

func (e UnsupportedArchiveError) Error() string {
	return "unsupported zip archive: " + e.Reason
}

func unsupportedArchive(reason string) error {
	return UnsupportedArchiveError{Reason: reason}
}

// Crc32MismatchError is returned at the end of an entry read when the
// accumulated checksum does not match the stored one.
type Crc32MismatchError struct {
	Expected uint32
	Actual   uint32
}

func (e Crc32MismatchError) Error() string {
	return fmt.Sprintf("invalid checksum, expected 0x%08x, got 0x%08x", e.Expected, e.Actual)
}

// DateTimeRangeError is returned by NewDosTime when a component falls
// outside its representable range.
type DateTimeRangeError struct {
	Component string
	Value     int
	Min, Max  int
}

func (e DateTimeRangeError) Error() string {
	return fmt.Sprintf("%s %d is outside the representable range [%d, %d]", e.Component, e.Value, e.Min, e.Max)
}

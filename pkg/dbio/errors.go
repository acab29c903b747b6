package dbio

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the DBIO layer. Typed errors below wrap these so
// callers can classify failures with errors.Is.
var (
	ErrNotFound      = errors.New("record not found")
	ErrNotAuthorized = errors.New("operation not authorized")
	ErrAlreadyExists = errors.New("record already exists")
	ErrInvalidRecord = errors.New("record content is invalid")
	ErrNotEditable   = errors.New("record is not in an editable state")
	ErrNotSubmitable = errors.New("record is not in a submitable state")
	ErrUnsupported   = errors.New("operation not supported by backend")
)

// ObjectNotFoundError indicates that a requested record, or a part within
// it, does not exist.
type ObjectNotFoundError struct {
	ID   string
	Part string
}

func (e *ObjectNotFoundError) Error() string {
	if e.Part != "" {
		return fmt.Sprintf("%s: part %q not found", e.ID, e.Part)
	}
	return fmt.Sprintf("%s: record not found", e.ID)
}

func (e *ObjectNotFoundError) Unwrap() error { return ErrNotFound }

// NotAuthorizedError indicates the caller lacks a required permission. It
// carries who attempted what for audit logging.
type NotAuthorizedError struct {
	Who string
	Op  string
	ID  string
}

func (e *NotAuthorizedError) Error() string {
	who := e.Who
	if who == "" {
		who = "anonymous"
	}
	msg := fmt.Sprintf("%s: not authorized to %s", who, e.Op)
	if e.ID != "" {
		msg += " " + e.ID
	}
	return msg
}

func (e *NotAuthorizedError) Unwrap() error { return ErrNotAuthorized }

// AlreadyExistsError indicates a uniqueness violation on an id or an
// (owner, name) pair.
type AlreadyExistsError struct {
	What string
}

func (e *AlreadyExistsError) Error() string {
	return e.What + ": already exists"
}

func (e *AlreadyExistsError) Unwrap() error { return ErrAlreadyExists }

// InvalidRecordError indicates record content that failed validation. It
// carries per-field error messages.
type InvalidRecordError struct {
	ID     string
	Errors []string
}

func (e *InvalidRecordError) Error() string {
	return fmt.Sprintf("%s: invalid record content (%d errors)", e.ID, len(e.Errors))
}

// FormatErrors renders the field errors as a single displayable string.
func (e *InvalidRecordError) FormatErrors() string {
	if len(e.Errors) == 0 {
		return "unknown validation failure"
	}
	return strings.Join(e.Errors, "\n")
}

func (e *InvalidRecordError) Unwrap() error { return ErrInvalidRecord }

// InvalidUpdateError indicates that a requested update would leave the
// record invalid.
type InvalidUpdateError struct {
	InvalidRecordError
}

// NotEditableError indicates a mutation attempted while the record is not
// in an editable state.
type NotEditableError struct {
	ID    string
	State string
}

func (e *NotEditableError) Error() string {
	return fmt.Sprintf("%s: not in editable state (state=%s)", e.ID, e.State)
}

func (e *NotEditableError) Unwrap() error { return ErrNotEditable }

// NotSubmitableError indicates a submit or publish attempted from a state
// that does not allow it.
type NotSubmitableError struct {
	ID    string
	State string
	Why   string
}

func (e *NotSubmitableError) Error() string {
	msg := fmt.Sprintf("%s: not in submitable state (state=%s)", e.ID, e.State)
	if e.Why != "" {
		msg += ": " + e.Why
	}
	return msg
}

func (e *NotSubmitableError) Unwrap() error { return ErrNotSubmitable }

// PartNotAccessibleError indicates a partial update addressed a pointer
// that cannot be reached or written within the record's data.
type PartNotAccessibleError struct {
	ID   string
	Part string
}

func (e *PartNotAccessibleError) Error() string {
	return fmt.Sprintf("%s: data property %q is not in an updatable state", e.ID, e.Part)
}

func (e *PartNotAccessibleError) Unwrap() error { return ErrNotFound }

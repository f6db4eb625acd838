package models

import (
	"errors"
	"fmt"
)

// Error codes for structured error handling.
const (
	ErrCodeRootUnavailable = "ROOT_UNAVAILABLE"
	ErrCodeIdentity        = "IDENTITY_ERROR"
	ErrCodeCorruptMachine  = "CORRUPT_MACHINE_RECORD"
	ErrCodeCorruptLocalLog = "CORRUPT_LOCAL_LOG"
	ErrCodeStorage         = "STORAGE_ERROR"
	ErrCodeConfig          = "CONFIG_ERROR"
	ErrCodeLocked          = "LOCKED"
)

// Sentinel errors
var (
	ErrRootUnavailable      = errors.New("library root unavailable")
	ErrIdentityUnavailable  = errors.New("machine identity unavailable")
	ErrCorruptMachineRecord = errors.New("corrupt machine record")
	ErrCorruptLocalLog      = errors.New("corrupt local log")
	ErrSyncInProgress       = errors.New("sync already in progress")
	ErrFileNotFound         = errors.New("file not found")
	ErrFileDeleted          = errors.New("file deleted")
	ErrPathTaken            = errors.New("path already in use")
	ErrTagNotFound          = errors.New("tag not found")
	ErrUnsupportedFile      = errors.New("unsupported file type")
	ErrLocked               = errors.New("machine log locked by another process")
	ErrInvalidConfig        = errors.New("invalid configuration")
)

var codeSentinels = map[string]error{
	ErrCodeRootUnavailable: ErrRootUnavailable,
	ErrCodeIdentity:        ErrIdentityUnavailable,
	ErrCodeCorruptMachine:  ErrCorruptMachineRecord,
	ErrCodeCorruptLocalLog: ErrCorruptLocalLog,
	ErrCodeLocked:          ErrLocked,
	ErrCodeConfig:          ErrInvalidConfig,
}

// EnvError reports a failure of the environment itself: discovery,
// identity, or log integrity.
type EnvError struct {
	Code      string
	MachineID MachineID
	Path      string
	Err       error
}

func (e *EnvError) Error() string {
	switch {
	case e.MachineID != "" && e.Path != "":
		return fmt.Sprintf("env [%s]: machine %s: %s: %v", e.Code, e.MachineID, e.Path, e.Err)
	case e.MachineID != "":
		return fmt.Sprintf("env [%s]: machine %s: %v", e.Code, e.MachineID, e.Err)
	case e.Path != "":
		return fmt.Sprintf("env [%s]: %s: %v", e.Code, e.Path, e.Err)
	default:
		return fmt.Sprintf("env [%s]: %v", e.Code, e.Err)
	}
}

func (e *EnvError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel that belongs to the error code.
func (e *EnvError) Is(target error) bool {
	if s, ok := codeSentinels[e.Code]; ok {
		return s == target
	}
	return false
}

// NewRootUnavailable wraps a failure to read the library root.
func NewRootUnavailable(path string, err error) *EnvError {
	return &EnvError{Code: ErrCodeRootUnavailable, Path: path, Err: err}
}

// NewCorruptMachineRecord wraps a machine record that failed to parse.
func NewCorruptMachineRecord(id MachineID, path string, err error) *EnvError {
	return &EnvError{Code: ErrCodeCorruptMachine, MachineID: id, Path: path, Err: err}
}

// NewCorruptLocalLog wraps an integrity failure of the local machine's log.
func NewCorruptLocalLog(id MachineID, err error) *EnvError {
	return &EnvError{Code: ErrCodeCorruptLocalLog, MachineID: id, Err: err}
}

// ConflictKind classifies a recorded merge conflict.
type ConflictKind string

const (
	SyncExistConflict ConflictKind = "sync_exist_conflict"
	DuplicateTag      ConflictKind = "duplicate_tag"
	PathCollision     ConflictKind = "path_collision"
)

// ConflictError is a merge ambiguity that was resolved deterministically
// but needs human review.
type ConflictError struct {
	Kind   ConflictKind `json:"kind"`
	FileID FileID       `json:"file_id,omitempty"`
	Field  string       `json:"field,omitempty"`
	Name   string       `json:"name,omitempty"`
	Path   string       `json:"path,omitempty"`
}

func (e *ConflictError) Error() string {
	switch e.Kind {
	case SyncExistConflict:
		return fmt.Sprintf("concurrent edits of %s on file %s", e.Field, e.FileID)
	case DuplicateTag:
		return fmt.Sprintf("duplicate tag %q on file %s", e.Name, e.FileID)
	case PathCollision:
		return fmt.Sprintf("path collision at %s", e.Path)
	default:
		return fmt.Sprintf("conflict %s", e.Kind)
	}
}

// Key returns a stable sort key.
func (e *ConflictError) Key() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", e.Kind, e.FileID, e.Field, e.Name, e.Path)
}

// NewFieldConflict records concurrent writes of a scalar field.
func NewFieldConflict(field string, id FileID) *ConflictError {
	return &ConflictError{Kind: SyncExistConflict, Field: field, FileID: id}
}

// NewDuplicateTag records equal tag names carried by distinct tag ids.
func NewDuplicateTag(name string, id FileID) *ConflictError {
	return &ConflictError{Kind: DuplicateTag, Name: name, FileID: id}
}

// NewPathCollision records two files merged onto one relative path.
func NewPathCollision(path string) *ConflictError {
	return &ConflictError{Kind: PathCollision, Path: path}
}

// NewIdentityError wraps a failure to determine the local machine id.
func NewIdentityError(err error) *EnvError {
	return &EnvError{Code: ErrCodeIdentity, Err: err}
}

// NewLockedError reports a machine log held by another process.
func NewLockedError(id MachineID, path string) *EnvError {
	return &EnvError{Code: ErrCodeLocked, MachineID: id, Path: path, Err: ErrLocked}
}

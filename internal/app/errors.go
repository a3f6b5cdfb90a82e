package app

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrForbidden     = errors.New("forbidden")
	ErrAlreadyForked = errors.New("already forked")
	ErrSelfFork      = errors.New("cannot fork own document")
	ErrStaleFork     = errors.New("fork is stale")
	ErrMergeConflict = errors.New("merge conflict")
	ErrInvalidState  = errors.New("invalid state")
	ErrConflict      = errors.New("version conflict")
	ErrValidation    = errors.New("validation failed")
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	kind    error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the sentinel so callers can use errors.Is.
func (e *DomainError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.kind
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func kindError(kind error, status int, code, message string, details any) *DomainError {
	err := domainError(status, code, message, details)
	err.kind = kind
	return err
}

func forbiddenError(message string) error {
	return kindError(ErrForbidden, http.StatusForbidden, "FORBIDDEN", message, nil)
}

func alreadyForkedError(forkID string) error {
	var details any
	if forkID != "" {
		details = map[string]any{"forkId": forkID}
	}
	return kindError(ErrAlreadyForked, http.StatusConflict, "ALREADY_FORKED", "An active fork of this document already exists", details)
}

func selfForkError() error {
	return kindError(ErrSelfFork, http.StatusUnprocessableEntity, "SELF_FORK", "Owners cannot fork their own document", nil)
}

func staleForkError(lastSync, current int) error {
	return kindError(ErrStaleFork, http.StatusConflict, "STALE_FORK", "Fork is behind its document; sync before proposing", map[string]any{
		"lastSyncVersion": lastSync,
		"originVersion":   current,
		"versionsBehind":  current - lastSync,
	})
}

func forkChangedError(paths []string) error {
	return kindError(ErrStaleFork, http.StatusConflict, "STALE_FORK", "Fork changed while the proposal was being prepared", map[string]any{"paths": paths})
}

func mergeConflictError(paths []string) error {
	return kindError(ErrMergeConflict, http.StatusConflict, "MERGE_CONFLICT", "Files in this proposal changed in the document since it was opened", map[string]any{"paths": paths})
}

func invalidStateError(message string) error {
	return kindError(ErrInvalidState, http.StatusConflict, "INVALID_STATE", message, nil)
}

func conflictError(attempts int) error {
	return kindError(ErrConflict, http.StatusConflict, "CONFLICT", "Document changed concurrently; try again", map[string]any{"attempts": attempts})
}

func validationError(message string, details any) error {
	return kindError(ErrValidation, http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, details)
}

package service

import (
	"fmt"
)

type ErrValidation struct {
	error
}

func NewErrValidation(format string, args ...any) *ErrValidation {
	return &ErrValidation{fmt.Errorf(format, args...)}
}

type ErrNotFound struct {
	error
}

func NewErrNotFound(resourceType, id string) *ErrNotFound {
	return &ErrNotFound{fmt.Errorf("%s %s not found", resourceType, id)}
}

func NewErrObjectNotFound(objectID, detail string) *ErrNotFound {
	return &ErrNotFound{fmt.Errorf("object %s not found: %s", objectID, detail)}
}

// ErrDependencyUnavailable reports that the record store, the queue or the
// spool could not be reached or refused the operation.
type ErrDependencyUnavailable struct {
	error
}

func NewErrDependencyUnavailable(dependency string, err error) *ErrDependencyUnavailable {
	return &ErrDependencyUnavailable{fmt.Errorf("%s unavailable: %w", dependency, err)}
}

type ErrForbidden struct {
	error
}

func NewErrForbidden(reason string) *ErrForbidden {
	return &ErrForbidden{fmt.Errorf("forbidden: %s", reason)}
}

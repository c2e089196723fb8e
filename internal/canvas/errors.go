// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package canvas

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownType means the operation type is not registered.
	ErrUnknownType = errors.New("unknown operation type")

	// ErrValidation means the operation payload failed its schema check.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound means the operation references a node that does not exist.
	ErrNotFound = errors.New("node not found")

	// ErrInlineMedia means the payload embeds media bytes as a data URI.
	ErrInlineMedia = errors.New("payload contains inline media")
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func notFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Package source reads target text from the writing app's primary store.
package source

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a target does not exist in the content store.
var ErrNotFound = errors.New("target not found")

// Content is the current text of a target.
type Content struct {
	ProjectID string
	Text      string
}

// ContentReader resolves a target to its current text. Implementations return
// ErrNotFound (possibly wrapped) when the target does not exist.
type ContentReader interface {
	GetText(ctx context.Context, targetType, targetID string) (Content, error)
}

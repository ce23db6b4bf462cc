package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

type LayerErrorKind string

const (
	ErrKindUnavailable     LayerErrorKind = "unavailable"
	ErrKindUnauthenticated LayerErrorKind = "unauthenticated"
	ErrKindTimeout         LayerErrorKind = "timeout"
	ErrKindMalformed       LayerErrorKind = "malformed"
	ErrKindExhausted       LayerErrorKind = "exhausted"
)

// LayerError is the typed failure of one extraction layer.
type LayerError struct {
	Source Source
	Kind   LayerErrorKind
	Err    error
}

func (e *LayerError) Error() string {
	return fmt.Sprintf("layer %s %s: %v", e.Source, e.Kind, e.Err)
}

func (e *LayerError) Unwrap() error { return e.Err }

// ErrMalformedResponse marks a model reply that is not the expected JSON
// object.
var ErrMalformedResponse = errors.New("malformed model response")

// ErrAllLayersFailed is matched by AllLayersFailedError via errors.Is.
var ErrAllLayersFailed = errors.New("all parsing layers failed")

type AllLayersFailedError struct {
	PostID string
	Errors map[Source]error
}

func (e *AllLayersFailedError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for src, err := range e.Errors {
		parts = append(parts, fmt.Sprintf("%s: %v", src, err))
	}
	sort.Strings(parts)
	return fmt.Sprintf("%s for post %s (%s)", ErrAllLayersFailed, e.PostID, strings.Join(parts, "; "))
}

func (e *AllLayersFailedError) Is(target error) bool {
	return target == ErrAllLayersFailed
}

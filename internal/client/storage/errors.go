package storage

import "errors"

// ErrBaselineNotFound indicates that no baseline is cached for the note
var ErrBaselineNotFound = errors.New("baseline not found")

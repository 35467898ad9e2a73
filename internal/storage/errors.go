package storage

import "errors"

// ErrNotFound is returned when a looked-up record does not exist
var ErrNotFound = errors.New("record not found")

// ErrDuplicateSplit is returned when a split already exists for the symbol and date
var ErrDuplicateSplit = errors.New("split already registered for symbol and date")

package cachestore

import "errors"

// ErrNotFound is returned when a key/field/member lookup misses.
var ErrNotFound = errors.New("cachestore: not found")

package storage

import "errors"

// ErrNotFound is returned when a worker record or assignment does not exist.
var ErrNotFound = errors.New("record not found")

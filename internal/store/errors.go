package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateSale is returned when a pending sale with the same temporary
// receipt identifier already exists.
var ErrDuplicateSale = errors.New("duplicate pending sale")

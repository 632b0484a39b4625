// Package repository is the single data-access layer for every model in
// internal/db. It consolidates what used to be two parallel repository
// packages into one: one interface, one GORM implementation per model.
package repository

import "errors"

// ErrNotFound is returned by repository methods when the requested record
// does not exist. Callers should check for this error explicitly using
// errors.Is to distinguish missing records from other database errors.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert or update violates a unique
// constraint, for example registering a machine whose secret hash collides.
var ErrConflict = errors.New("record already exists")

package errors

import "errors"

var (
	ErrNotFound     = errors.New("entity not found")
	ErrEntityExists = errors.New("entity already exists")
	ErrInvalidData  = errors.New("invalid data")
)

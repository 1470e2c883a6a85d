package store

import "errors"

var (
	ErrUnsupportedScheme = errors.New("unsupported backend scheme")
	ErrInvalidDSN        = errors.New("invalid backend dsn")
	ErrSchemaViolation   = errors.New("document violates schema")
)

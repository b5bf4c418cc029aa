package store

import "errors"

var (
	ErrUnknownTable   = errors.New("table not in sync set")
	ErrMissingKey     = errors.New("row is missing a primary key value")
	ErrReservedColumn = errors.New("key column uses a reserved tracking column name")
	ErrNotProvisioned = errors.New("table is not provisioned")
)

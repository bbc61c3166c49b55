package domain

import "errors"

var (
	// ErrNoDestination is returned when an exporter has no destination configured.
	ErrNoDestination = errors.New("no destination")
	// ErrInvalidConnector indicates an unsupported connector type was supplied.
	ErrInvalidConnector = errors.New("invalid connector type")
)

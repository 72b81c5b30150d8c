package application

import "errors"

var (
	ErrUnknownResourceKind = errors.New("unknown resource kind")
	ErrMissingParameter    = errors.New("missing required parameter")
	ErrCoordinatorClosed   = errors.New("coordinator is closed")
)

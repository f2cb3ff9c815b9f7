package memory

import "errors"

var (
	// ErrFactIndex is returned by DeleteFact for an index outside the fact list.
	ErrFactIndex = errors.New("memory: fact index out of range")
)

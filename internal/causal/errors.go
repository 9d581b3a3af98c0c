package causal

import (
	"errors"
	"fmt"
)

var (
	ErrCyclicCausality  = errors.New("cyclic causality")
	ErrUnknownTimepoint = errors.New("unknown timepoint")
)

// CyclicCausalityError is returned when an edge would break the acyclicity of the timepoint graph.
// It is recoverable: the caller picks another candidate or declares a loop closure.
type CyclicCausalityError struct {
	ParentID string
	ChildID  string
	Reason   string
}

func (e *CyclicCausalityError) Error() string {
	return fmt.Sprintf("causal edge %s -> %s rejected: %s", e.ParentID, e.ChildID, e.Reason)
}

func (e *CyclicCausalityError) Is(target error) bool {
	return target == ErrCyclicCausality
}

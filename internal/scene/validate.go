package scene

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints, then the cross references between entities and timepoints.
func Validate(spec *Specification) error {
	if err := validate.Struct(spec); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid scene: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid scene: %w", err)
	}

	entities := make(map[string]struct{}, len(spec.Entities))
	for _, e := range spec.Entities {
		if _, dup := entities[e.EntityID]; dup {
			return fmt.Errorf("invalid scene: duplicate entity id: %s", e.EntityID)
		}
		entities[e.EntityID] = struct{}{}
	}

	timepoints := make(map[string]TimepointSpec, len(spec.Timepoints))
	for _, tp := range spec.Timepoints {
		if _, dup := timepoints[tp.TimepointID]; dup {
			return fmt.Errorf("invalid scene: duplicate timepoint id: %s", tp.TimepointID)
		}
		timepoints[tp.TimepointID] = tp
	}

	for _, tp := range spec.Timepoints {
		if tp.CausalParentID != "" {
			if _, ok := timepoints[tp.CausalParentID]; !ok {
				return fmt.Errorf("invalid scene: timepoint %s references unknown parent %s", tp.TimepointID, tp.CausalParentID)
			}
		}
		if tp.LoopClosureTo != "" {
			if _, ok := timepoints[tp.LoopClosureTo]; !ok {
				return fmt.Errorf("invalid scene: timepoint %s closes a loop to unknown timepoint %s", tp.TimepointID, tp.LoopClosureTo)
			}
		}
		for _, id := range tp.EntitiesPresent {
			if _, ok := entities[id]; !ok {
				return fmt.Errorf("invalid scene: timepoint %s lists unknown entity %s", tp.TimepointID, id)
			}
		}
		for _, c := range tp.Consequences {
			if _, ok := entities[c.Entity]; !ok {
				return fmt.Errorf("invalid scene: timepoint %s has a consequence for unknown entity %s", tp.TimepointID, c.Entity)
			}
		}
	}
	return nil
}

// Package catalog resolves submission identifiers against the set of
// models, instance specs and regions the control plane serves. The
// catalog ships as configuration; an empty id set leaves that dimension
// unrestricted so a minimal install accepts any identifier.
package catalog

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnknownModel is returned for model ids outside the catalog.
	ErrUnknownModel = errors.New("unknown model id")

	// ErrUnknownSpec is returned for spec ids outside the catalog.
	ErrUnknownSpec = errors.New("unknown spec id")

	// ErrUnknownRegion is returned for region ids outside the catalog.
	ErrUnknownRegion = errors.New("unknown region id")
)

// Static resolves identifiers against fixed id sets.
type Static struct {
	models  map[uint]struct{}
	specs   map[uint]struct{}
	regions map[uint]struct{}
}

// NewStatic builds a Static catalog from the configured id lists.
func NewStatic(modelIDs, specIDs, regionIDs []uint) *Static {
	return &Static{
		models:  toSet(modelIDs),
		specs:   toSet(specIDs),
		regions: toSet(regionIDs),
	}
}

// ResolveAllocation checks one (model, spec, region) tuple against the
// catalog.
func (s *Static) ResolveAllocation(_ context.Context, modelID, specID, regionID uint) error {
	if !contains(s.models, modelID) {
		return fmt.Errorf("%w: %d", ErrUnknownModel, modelID)
	}
	if !contains(s.specs, specID) {
		return fmt.Errorf("%w: %d", ErrUnknownSpec, specID)
	}
	if !contains(s.regions, regionID) {
		return fmt.Errorf("%w: %d", ErrUnknownRegion, regionID)
	}
	return nil
}

func toSet(ids []uint) map[uint]struct{} {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[uint]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// contains treats a nil set as unrestricted.
func contains(set map[uint]struct{}, id uint) bool {
	if set == nil {
		return true
	}
	_, ok := set[id]
	return ok
}

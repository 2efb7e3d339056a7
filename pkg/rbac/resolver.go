package rbac

import (
	"context"
	"errors"
	"fmt"
)

// catalog is the subset of Store the resolver needs
type catalog interface {
	RolesOf(ctx context.Context, userID int64) ([]string, error)
	RoleByName(ctx context.Context, name string) (*Role, error)
}

// Resolver answers role-membership questions against the identity store.
// Roles are a flat set; there is no hierarchy.
type Resolver struct {
	store catalog
}

// NewResolver creates a new role resolver
func NewResolver(store catalog) *Resolver {
	return &Resolver{store: store}
}

// RolesOf returns the authoritative role set for a user. An unknown user
// is ErrNotFound; callers treat that as anonymous.
func (r *Resolver) RolesOf(ctx context.Context, userID int64) ([]string, error) {
	return r.store.RolesOf(ctx, userID)
}

// HasRole checks a user against a required role list with AND semantics:
// every listed role must be held. The anonymous role in the required list
// grants unconditionally. The resolved role set is returned either way so
// callers can report what the user has versus what was needed.
func (r *Resolver) HasRole(ctx context.Context, userID int64, required []string) (bool, []string, error) {
	for _, name := range required {
		if name == RoleAnonymous {
			current, err := r.RolesOf(ctx, userID)
			if errors.Is(err, ErrNotFound) {
				return true, nil, nil
			}
			if err != nil {
				return false, nil, err
			}
			return true, current, nil
		}
	}

	// Required names must exist in the catalog; a gap is a deployment
	// defect, distinct from the user simply lacking the role.
	for _, name := range required {
		if _, err := r.store.RoleByName(ctx, name); err != nil {
			if errors.Is(err, ErrNotFound) {
				return false, nil, fmt.Errorf("role %q: %w", name, ErrRoleCatalogMissing)
			}
			return false, nil, err
		}
	}

	current, err := r.RolesOf(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		// Unknown user holds no roles; only anonymous would have granted
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}

	held := make(map[string]struct{}, len(current))
	for _, name := range current {
		held[name] = struct{}{}
	}
	for _, name := range required {
		if _, ok := held[name]; !ok {
			return false, current, nil
		}
	}
	return true, current, nil
}

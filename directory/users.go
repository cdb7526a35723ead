// Package directory is the user directory consulted when assigning doers and checkers.
package directory

import (
	"context"
	"log/slog"
	"strings"

	"github.com/songzhibin97/gkit/generator"
	"github.com/songzhibin97/task-journey/storage"
	"github.com/songzhibin97/task-journey/types"
)

// Users stores directory entries.
type Users struct {
	coll   *storage.Collection[types.User]
	gen    generator.Generator
	logger *slog.Logger
}

// NewUsers creates a user directory over coll.
func NewUsers(coll *storage.Collection[types.User], gen generator.Generator, logger *slog.Logger) *Users {
	if logger == nil {
		logger = slog.Default()
	}
	return &Users{coll: coll, gen: gen, logger: logger}
}

func checkUser(items []types.User, u types.User) error {
	if strings.TrimSpace(u.Name) == "" {
		return types.Invalid("user name is required")
	}
	if !u.RoleID.IsValid() {
		return types.Invalid("unknown role id %d", int(u.RoleID))
	}
	if u.Email == "" {
		return nil
	}
	for _, x := range items {
		if x.ID != u.ID && strings.EqualFold(x.Email, u.Email) {
			return types.Invalid("email %q is already registered", u.Email)
		}
	}
	return nil
}

// Create adds a user. An empty ID is filled from the generator.
func (s *Users) Create(ctx context.Context, u types.User) (types.User, error) {
	if u.ID == "" {
		id, err := types.NewID(s.gen)
		if err != nil {
			return types.User{}, err
		}
		u.ID = id
	}
	_, err := s.coll.Update(ctx, func(items []types.User) ([]types.User, error) {
		for _, x := range items {
			if x.ID == u.ID {
				return nil, types.Invalid("user id %q already exists", u.ID)
			}
		}
		if err := checkUser(items, u); err != nil {
			return nil, err
		}
		return append(items, u), nil
	})
	if err != nil {
		return types.User{}, err
	}
	s.logger.Info("user created", slog.String("id", u.ID), slog.String("role", u.RoleID.String()))
	return u, nil
}

// Update replaces an existing user.
func (s *Users) Update(ctx context.Context, u types.User) (types.User, error) {
	_, err := s.coll.Update(ctx, func(items []types.User) ([]types.User, error) {
		for i := range items {
			if items[i].ID != u.ID {
				continue
			}
			if err := checkUser(items, u); err != nil {
				return nil, err
			}
			items[i] = u
			return items, nil
		}
		return nil, types.NotFound("user", u.ID)
	})
	if err != nil {
		return types.User{}, err
	}
	return u, nil
}

// Deactivate marks a user inactive. Inactive users are never eligible for assignment.
func (s *Users) Deactivate(ctx context.Context, id string) error {
	_, err := s.coll.Update(ctx, func(items []types.User) ([]types.User, error) {
		for i := range items {
			if items[i].ID == id {
				items[i].Active = false
				return items, nil
			}
		}
		return nil, types.NotFound("user", id)
	})
	return err
}

// Get returns the user with id.
func (s *Users) Get(ctx context.Context, id string) (types.User, error) {
	items, err := s.coll.Load(ctx)
	if err != nil {
		return types.User{}, err
	}
	for _, u := range items {
		if u.ID == id {
			return u, nil
		}
	}
	return types.User{}, types.NotFound("user", id)
}

// List returns every user.
func (s *Users) List(ctx context.Context) ([]types.User, error) {
	return s.coll.Load(ctx)
}

// EligibleFor returns the active users of role assigned to categoryID or to "all".
func (s *Users) EligibleFor(ctx context.Context, categoryID string, role types.Role) ([]types.User, error) {
	items, err := s.coll.Load(ctx)
	if err != nil {
		return nil, err
	}
	var out []types.User
	for _, u := range items {
		if Eligible(u, categoryID, role) {
			out = append(out, u)
		}
	}
	return out, nil
}

// Eligible reports whether u may hold role on a stage of categoryID.
func Eligible(u types.User, categoryID string, role types.Role) bool {
	return u.Active && u.RoleID == role && u.CoversCategory(categoryID)
}

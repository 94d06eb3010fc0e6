// Package access implements the single-owner permission guard protecting
// administrative operations.
package access

import (
	"fmt"

	"github.com/google/uuid"

	"PerpCore/internal/errdefs"
)

// Guard holds the owner principal. The zero Guard is uninitialized; Init
// assigns the owner exactly once and every later assignment attempt fails.
type Guard struct {
	owner uuid.UUID
	set   bool
}

func NewGuard() *Guard {
	return &Guard{}
}

// Init assigns the owner. The nil UUID is not a valid principal, and an
// already-initialized guard rejects reassignment.
func (g *Guard) Init(owner uuid.UUID) error {
	if owner == uuid.Nil {
		return fmt.Errorf("%w: owner must not be the nil principal", errdefs.ErrInvalidState)
	}
	if g.set {
		return fmt.Errorf("%w: owner already assigned", errdefs.ErrInvalidState)
	}
	g.owner = owner
	g.set = true
	return nil
}

// Require fails unless caller is the assigned owner. An uninitialized guard
// rejects every caller.
func (g *Guard) Require(caller uuid.UUID) error {
	if !g.set || caller != g.owner {
		return errdefs.ErrPermission
	}
	return nil
}

// Owner returns the assigned owner and whether one has been assigned.
func (g *Guard) Owner() (uuid.UUID, bool) {
	return g.owner, g.set
}

// Restore installs the owner directly, used when loading a snapshot.
func (g *Guard) Restore(owner uuid.UUID) {
	g.owner = owner
	g.set = owner != uuid.Nil
}

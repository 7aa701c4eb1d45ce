package permission

import (
	"fmt"

	"github.com/nidhogg/skillgate/internal/skill"
)

// CallerKind is how a caller relates to the agent whose skill it invokes.
type CallerKind string

const (
	CallerOwner     CallerKind = "owner"
	CallerUser      CallerKind = "user"
	CallerAnonymous CallerKind = "anonymous"
)

// Caller is the identity invoking an agent's skill action.
type Caller struct {
	ID   string
	Kind CallerKind
}

// CallerFor classifies callerID against the agent's owner.
func CallerFor(ownerID, callerID string, authenticated bool) Caller {
	switch {
	case callerID != "" && callerID == ownerID:
		return Caller{ID: callerID, Kind: CallerOwner}
	case callerID != "" && authenticated:
		return Caller{ID: callerID, Kind: CallerUser}
	}
	return Caller{ID: callerID, Kind: CallerAnonymous}
}

// Authorize decides whether caller may invoke an action resolved to vis.
// Disabled admits nobody, private admits only the owner, public admits the
// owner and any authenticated caller.
func Authorize(vis skill.Visibility, c Caller) error {
	switch vis {
	case skill.VisibilityPublic:
		if c.Kind == CallerOwner || c.Kind == CallerUser {
			return nil
		}
		return fmt.Errorf("%w: public actions require an authenticated caller", ErrUnauthorized)
	case skill.VisibilityPrivate:
		if c.Kind == CallerOwner {
			return nil
		}
		return fmt.Errorf("%w: action is private to the agent owner", ErrUnauthorized)
	}
	return fmt.Errorf("%w: action is disabled", ErrUnauthorized)
}

package permission

import (
	"errors"

	"github.com/nidhogg/skillgate/internal/ratelimit"
	"github.com/nidhogg/skillgate/internal/skill"
	"github.com/nidhogg/skillgate/internal/skillconfig"
)

var (
	ErrActionUnknown = errors.New("action unknown")
	// ErrSkillDisabled is terminal until the configuration changes.
	ErrSkillDisabled = errors.New("skill disabled")
	ErrUnauthorized  = errors.New("unauthorized")
)

// Category groups errors by who can fix them.
type Category string

const (
	CategoryNone          Category = ""
	CategoryConfiguration Category = "configuration" // the owner, by editing the configuration
	CategoryAuthorization Category = "authorization" // nobody, by retrying
	CategoryRateLimited   Category = "rate_limited"  // the caller, by waiting
	CategoryNotFound      Category = "not_found"
	CategoryInternal      Category = "internal"
)

// Classify maps an error from this module to its user-visible category.
func Classify(err error) Category {
	switch {
	case err == nil:
		return CategoryNone
	case errors.Is(err, skillconfig.ErrValidationFailed), errors.Is(err, skill.ErrManifestMalformed):
		return CategoryConfiguration
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrSkillDisabled):
		return CategoryAuthorization
	case errors.Is(err, ratelimit.ErrRateLimited):
		return CategoryRateLimited
	case errors.Is(err, ErrActionUnknown), errors.Is(err, skill.ErrManifestNotFound):
		return CategoryNotFound
	}
	return CategoryInternal
}

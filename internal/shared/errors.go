package shared

import "errors"

var (
	// ErrMissingTenant occurs when a request carries no tenant.
	ErrMissingTenant = errors.New("tenant header missing")
	// ErrMissingActor occurs when a mutating request carries no user.
	ErrMissingActor = errors.New("user header missing")
)

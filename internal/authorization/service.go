package authorization

import (
	"context"
	"errors"
)

type Service interface {
	// Authorize checks that subject, acting with role, may perform action
	// on object. The subject's role grouping is kept in sync on every call.
	Authorize(ctx context.Context, subject string, role string, object string, action string) error
}

var (
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidRole   = errors.New("invalid_role")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
	ErrForbidden     = errors.New("forbidden")
)

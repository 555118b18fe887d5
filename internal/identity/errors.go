package identity

import "errors"

var (
	ErrNotAuthenticated = errors.New("identity: not authenticated")
	ErrNotFound         = errors.New("identity: not found")
	ErrAlreadyExists    = errors.New("identity: already exists")
	ErrInvalidInput     = errors.New("identity: invalid input")
	ErrInvalidToken     = errors.New("identity: invalid token")
)

package domain

import "errors"

// Error taxonomy shared by the session store and the signaling router.
var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidParticipants = errors.New("invalid participants")
	ErrUnauthorized        = errors.New("not authorized")
	ErrUnreachable         = errors.New("unreachable")
	ErrMalformed           = errors.New("malformed")
	ErrParticipantBusy     = errors.New("participant busy")
)

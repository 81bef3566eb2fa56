package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNoToken            = errors.New("no ledger token")
	ErrLockHeld           = errors.New("lock already held")
	ErrInvalidOffer       = errors.New("invalid offer parameters")
	ErrUnknownParticipant = errors.New("unknown participant")
	ErrMalformedResource  = errors.New("malformed resource id")
	ErrStreamUnavailable  = errors.New("stream unavailable")

	// ErrProtocolViolation marks ledger data or call sequences that break the
	// trading protocol. It aborts the single item it occurs in.
	ErrProtocolViolation = errors.New("protocol violation")
	ErrAlreadyCleared    = fmt.Errorf("%w: already cleared", ErrProtocolViolation)
)

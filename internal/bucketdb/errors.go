package bucketdb

import (
	"errors"

	"github.com/tunnelmesh/bucketdb/internal/generation"
)

var (
	// ErrInvalidArgument is returned for malformed bucket IDs and replica
	// sets. The database is left unchanged.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrGuardReleased is returned by every ReadGuard method after Release,
	// including a second Release.
	ErrGuardReleased = generation.ErrGuardReleased
)

package domain

import (
	"errors"
	"fmt"
)

var (
	ErrConfiguration    = errors.New("configuration error")
	ErrCapacityExceeded = errors.New("session capacity exceeded")
	ErrTransientIO      = errors.New("transient io error")
	ErrCorrelationMiss  = errors.New("reply does not match a pending event")
	ErrMalformedReply   = errors.New("reply has no confirmation value")
	ErrFatalSession     = errors.New("fatal session error")

	ErrNoTargets = fmt.Errorf("%w: no active subscription targets", ErrConfiguration)
)

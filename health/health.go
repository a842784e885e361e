package health

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	log "github.com/sirupsen/logrus"
)

var (
	ErrUnhealthy = errors.New("health: database is unhealthy")
)

type State int

const (
	Healthy State = iota
	Panicked
	Healed
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Panicked:
		return "panicked"
	case Healed:
		return "healed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// UnhealthyError is returned for every operation attempted while the database is panicked.
type UnhealthyError struct {
	Cause error
}

func (ue *UnhealthyError) Error() string {
	return fmt.Sprintf("health: database is unhealthy: %s", ue.Cause)
}

func (ue *UnhealthyError) Is(err error) bool {
	return err == ErrUnhealthy
}

func (ue *UnhealthyError) Unwrap() error {
	return ue.Cause
}

type status struct {
	state State
	cause error
}

// Health is the shared health of one database. It only changes by compare-and-swap, so
// concurrent panics keep the first cause.
type Health struct {
	logger log.FieldLogger
	status unsafe.Pointer // *status
}

func New(logger log.FieldLogger) *Health {
	return &Health{
		logger: logger,
		status: unsafe.Pointer(&status{state: Healthy}),
	}
}

func (h *Health) load() *status {
	return (*status)(atomic.LoadPointer(&h.status))
}

func (h *Health) transition(from *status, to *status) bool {
	return atomic.CompareAndSwapPointer(&h.status, unsafe.Pointer(from), unsafe.Pointer(to))
}

// State returns the current state and, when panicked, its cause.
func (h *Health) State() (State, error) {
	st := h.load()
	return st.state, st.cause
}

// Panic marks the database as unhealthy. It returns false if the database was already
// panicked; the original cause is kept.
func (h *Health) Panic(cause error) bool {
	for {
		st := h.load()
		if st.state == Panicked {
			return false
		}
		if h.transition(st, &status{state: Panicked, cause: cause}) {
			h.logger.WithError(cause).Error("health: database panicked")
			return true
		}
	}
}

// Heal makes a panicked database usable again. Changes from a transaction which failed
// part way through applying remain visible until the database is recovered.
func (h *Health) Heal() bool {
	for {
		st := h.load()
		if st.state != Panicked {
			return false
		}
		if h.transition(st, &status{state: Healed}) {
			h.logger.WithField("cause", st.cause).Warn("health: database healed")
			return true
		}
	}
}

// Assert returns an *UnhealthyError if the database is panicked.
func (h *Health) Assert() error {
	st := h.load()
	if st.state == Panicked {
		return &UnhealthyError{Cause: st.cause}
	}
	return nil
}

func (h *Health) Healthy() bool {
	return h.load().state != Panicked
}

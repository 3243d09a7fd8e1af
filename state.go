package peerlink

import "github.com/pkg/errors"

// StateKind is the kind of service activity state.
type StateKind int

// Service activity states.
const (
	Inactive StateKind = iota
	Active
	Failed
)

func (k StateKind) String() string {
	switch k {
	case Inactive:
		return "inactive"
	case Active:
		return "active"
	case Failed:
		return "error"
	default:
		return "unknown"
	}
}

// ServiceState is the discovery and advertising state of the backend.
type ServiceState struct {
	Kind StateKind
	Err  error
}

// Error returns failed state caused by err.
func Error(err error) ServiceState {
	return ServiceState{Kind: Failed, Err: err}
}

// IsActive returns true if service is active.
func (s ServiceState) IsActive() bool {
	return s.Kind == Active
}

// Equal compares states. Errors are compared by their text.
func (s ServiceState) Equal(other ServiceState) bool {
	if s.Kind != other.Kind {
		return false
	}
	if s.Kind != Failed {
		return true
	}
	return errorText(s.Err) == errorText(other.Err)
}

func (s ServiceState) String() string {
	if s.Kind == Failed {
		return "error: " + errorText(s.Err)
	}
	return s.Kind.String()
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Activity tracks service activity state of a backend. Start and stop are requested first and
// become effective when the transport confirms them.
// It is not safe for concurrent use.
type Activity struct {
	state    ServiceState
	starting bool
	stopping bool
	observer func(ServiceState)
}

// NewActivity creates activity in inactive state. Observer is called on every state change.
func NewActivity(observer func(ServiceState)) *Activity {
	return &Activity{observer: observer}
}

// State returns current state.
func (a *Activity) State() ServiceState {
	return a.state
}

// RequestStart verifies that service may be started and marks start as pending.
func (a *Activity) RequestStart() error {
	switch {
	case a.state.Kind == Failed:
		return errors.Wrap(ErrServiceFailed, errorText(a.state.Err))
	case a.state.Kind == Active || a.starting:
		return errors.WithStack(ErrServiceAlreadyStarted)
	}
	a.starting = true
	return nil
}

// RequestStop marks stop as pending. It returns false if there is nothing to stop.
func (a *Activity) RequestStop() bool {
	if a.state.Kind != Active && !a.starting {
		return false
	}
	a.stopping = true
	return true
}

// Reset brings failed service back to inactive state so it may be started again.
func (a *Activity) Reset() {
	a.starting = false
	a.stopping = false
	if a.state.Kind == Failed {
		a.set(ServiceState{Kind: Inactive})
	}
}

// Started is called when transport confirms that service is registered. Registration confirmed
// after stop was requested does not make service active, confirmation of the stop follows.
func (a *Activity) Started() {
	a.starting = false
	if a.state.Kind == Failed || a.stopping {
		return
	}
	a.set(ServiceState{Kind: Active})
}

// Stopped is called when transport confirms that service is unregistered.
func (a *Activity) Stopped() {
	a.starting = false
	a.stopping = false
	if a.state.Kind == Failed {
		return
	}
	a.set(ServiceState{Kind: Inactive})
}

// Fail moves service to error state.
func (a *Activity) Fail(err error) {
	a.starting = false
	a.stopping = false
	a.set(Error(err))
}

func (a *Activity) set(state ServiceState) {
	if a.state.Equal(state) {
		return
	}
	a.state = state
	if a.observer != nil {
		a.observer(state)
	}
}

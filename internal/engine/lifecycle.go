package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the lifecycle position of a recognizer or generator engine.
type State int

const (
	Uninitialized State = iota
	Initializing
	Ready
	Busy
	Released
	Faulted
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Busy:
		return "busy"
	case Released:
		return "released"
	case Faulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	ErrBusy           = errors.New("engine busy")
	ErrNotInitialized = errors.New("engine not initialized")
	ErrReleased       = errors.New("engine released")
	ErrFaulted        = errors.New("engine faulted")
)

// Transition is reported to observers after every state change.
type Transition struct {
	Engine string
	From   State
	To     State
	Err    error
	At     time.Time
}

// Lifecycle guards the state of one engine instance. At most one Busy period
// is active at a time. Released is terminal; a Faulted engine refuses use
// until it is initialized again.
type Lifecycle struct {
	name     string
	mu       sync.Mutex
	state    State
	lastErr  error
	observer func(Transition)
	clock    func() time.Time
}

func NewLifecycle(name string, observer func(Transition)) *Lifecycle {
	return &Lifecycle{name: name, observer: observer, clock: time.Now}
}

func (l *Lifecycle) Name() string { return l.name }

func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Err returns the error recorded by the last failed init or fault.
func (l *Lifecycle) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// BeginInit moves an uninitialized or faulted engine into Initializing.
// Calling it on a Ready engine reports ready=true so callers can skip a
// second Init.
func (l *Lifecycle) BeginInit() (ready bool, err error) {
	l.mu.Lock()
	switch l.state {
	case Uninitialized, Faulted:
		t := l.setLocked(Initializing, nil)
		l.mu.Unlock()
		l.notify(t)
		return false, nil
	case Ready:
		l.mu.Unlock()
		return true, nil
	default:
		err := l.errLocked()
		l.mu.Unlock()
		return false, err
	}
}

// EndInit completes an Init started with BeginInit. A failed init returns the
// engine to Uninitialized so it can be retried.
func (l *Lifecycle) EndInit(initErr error) {
	l.mu.Lock()
	if l.state != Initializing {
		l.mu.Unlock()
		return
	}
	var t Transition
	if initErr != nil {
		t = l.setLocked(Uninitialized, initErr)
	} else {
		t = l.setLocked(Ready, nil)
	}
	l.mu.Unlock()
	l.notify(t)
}

// Acquire starts a Busy period.
func (l *Lifecycle) Acquire() error {
	l.mu.Lock()
	if l.state != Ready {
		err := l.errLocked()
		l.mu.Unlock()
		return err
	}
	t := l.setLocked(Busy, nil)
	l.mu.Unlock()
	l.notify(t)
	return nil
}

// Done ends the current Busy period.
func (l *Lifecycle) Done() {
	l.mu.Lock()
	if l.state != Busy {
		l.mu.Unlock()
		return
	}
	t := l.setLocked(Ready, nil)
	l.mu.Unlock()
	l.notify(t)
}

// Fault marks the engine unusable. Released engines stay released.
func (l *Lifecycle) Fault(err error) {
	l.mu.Lock()
	if l.state == Released || l.state == Faulted {
		l.mu.Unlock()
		return
	}
	t := l.setLocked(Faulted, err)
	l.mu.Unlock()
	l.notify(t)
}

// Release moves the engine to Released and reports true only on the first
// call, so native resources are freed exactly once.
func (l *Lifecycle) Release() bool {
	l.mu.Lock()
	if l.state == Released {
		l.mu.Unlock()
		return false
	}
	t := l.setLocked(Released, nil)
	l.mu.Unlock()
	l.notify(t)
	return true
}

func (l *Lifecycle) errLocked() error {
	switch l.state {
	case Busy:
		return ErrBusy
	case Released:
		return ErrReleased
	case Faulted:
		if l.lastErr != nil {
			return fmt.Errorf("%w: %v", ErrFaulted, l.lastErr)
		}
		return ErrFaulted
	case Initializing:
		return fmt.Errorf("%w: initialization in progress", ErrNotInitialized)
	default:
		return ErrNotInitialized
	}
}

func (l *Lifecycle) setLocked(to State, err error) Transition {
	from := l.state
	l.state = to
	if err != nil {
		l.lastErr = err
	} else if to == Ready {
		l.lastErr = nil
	}
	return Transition{Engine: l.name, From: from, To: to, Err: err, At: l.clock().UTC()}
}

func (l *Lifecycle) notify(t Transition) {
	if l.observer != nil {
		l.observer(t)
	}
}

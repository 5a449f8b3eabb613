package state

import (
	"log/slog"
	"sync"
)

// Key identifies one slot in the Store.
type Key string

const (
	KeyConnectionInfo  Key = "connection_info"
	KeyConnectionState Key = "connection_state"
)

// Validator inspects a proposed value transition and returns an error to
// reject it. old is nil on the first Set for a key.
type Validator func(old, new any) error

// StateChange describes a committed mutation, delivered synchronously to
// every handler registered for Key.
type StateChange struct {
	Key      Key
	Old      any
	New      any
	Metadata map[string]any
}

// ChangeHandler observes a committed StateChange. Handlers run
// synchronously on the caller's goroutine and must not call Set
// re-entrantly on the same key.
type ChangeHandler func(StateChange)

// Store is the thread-safe typed key/value Context Store from spec §4.3.
// Grounded on ControlChannel's atomic.Value state holder
// (internal/agent/control_channel.go), generalized from one fixed field to
// an arbitrary key set with per-key validation and notification.
type Store struct {
	logger *slog.Logger

	mu         sync.Mutex
	values     map[Key]any
	validators map[Key]Validator
	handlers   map[Key][]ChangeHandler
	depth      map[Key]int
	configErrs []string
}

// New builds an empty Store. ConnectionInfo and ConnectionState validators
// are pre-registered; callers may register additional handlers.
func New(logger *slog.Logger) *Store {
	s := &Store{
		logger:     logger,
		values:     make(map[Key]any),
		validators: make(map[Key]Validator),
		handlers:   make(map[Key][]ChangeHandler),
		depth:      make(map[Key]int),
	}
	s.validators[KeyConnectionInfo] = ValidateConnectionInfo
	s.validators[KeyConnectionState] = ValidateConnectionState
	return s
}

// RegisterValidator overrides or adds a validator for key.
func (s *Store) RegisterValidator(key Key, v Validator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validators[key] = v
}

// RegisterChangeHandler appends a handler invoked, in registration order,
// every time key is successfully Set.
func (s *Store) RegisterChangeHandler(key Key, h ChangeHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[key] = append(s.handlers[key], h)
}

// Get returns the current value for key, or nil if never set.
func (s *Store) Get(key Key) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key]
}

// Set validates and commits newVal for key, then synchronously notifies
// registered handlers in order. Returns false without mutating if
// validation fails (the failure reason is appended to ConfigErrors) or if
// called re-entrantly from a handler for the same key.
func (s *Store) Set(key Key, newVal any, metadata map[string]any) bool {
	s.mu.Lock()
	if s.depth[key] > 0 {
		s.mu.Unlock()
		if s.logger != nil {
			s.logger.Error("state: rejected re-entrant set", "key", string(key))
		}
		return false
	}

	old := s.values[key]
	if v, ok := s.validators[key]; ok {
		if err := v(old, newVal); err != nil {
			s.configErrs = append(s.configErrs, err.Error())
			s.mu.Unlock()
			return false
		}
	}

	s.values[key] = newVal
	s.depth[key] = 1
	handlers := append([]ChangeHandler(nil), s.handlers[key]...)
	s.mu.Unlock()

	change := StateChange{Key: key, Old: old, New: newVal, Metadata: metadata}
	for _, h := range handlers {
		s.invokeHandler(h, change)
	}

	s.mu.Lock()
	s.depth[key] = 0
	s.mu.Unlock()
	return true
}

func (s *Store) invokeHandler(h ChangeHandler, change StateChange) {
	defer func() {
		if r := recover(); r != nil && s.logger != nil {
			s.logger.Error("state: change handler panicked", "key", string(change.Key), "panic", r)
		}
	}()
	h(change)
}

// ConfigErrors returns every validation failure message recorded so far.
func (s *Store) ConfigErrors() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.configErrs...)
}

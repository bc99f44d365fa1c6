package conversation

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"market-chat/internal/domain"
)

var (
	ErrTailOpen        = errors.New("conversation: in-progress text entry is open")
	ErrNoTail          = errors.New("conversation: no in-progress text entry")
	ErrInvalidEntry    = errors.New("conversation: invalid entry")
	ErrMismatchedPair  = errors.New("conversation: invocation and result do not pair")
	ErrDuplicateEntry  = errors.New("conversation: duplicate entry id")
	ErrEmptyIdentifier = errors.New("conversation: identifier must not be empty")
)

// Store is the mutable log of one conversation for the length of one dispatch
// cycle. Final entries are never removed or rewritten; the only mutable entry is
// an in-progress text tail opened by BeginText and closed by Finalize.
type Store struct {
	mu      sync.Mutex
	id      string
	entries []domain.Entry
	ids     map[string]struct{}
	tail    *domain.Entry
}

func New(conversationID string) (*Store, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, ErrEmptyIdentifier
	}
	return &Store{id: conversationID, ids: make(map[string]struct{})}, nil
}

// FromSnapshot rebuilds a store from a stored snapshot. Entries are copied in
// order without re-validating pairing, so legacy records still load.
func FromSnapshot(s domain.Snapshot) (*Store, error) {
	st, err := New(s.ConversationID)
	if err != nil {
		return nil, err
	}
	st.entries = make([]domain.Entry, 0, len(s.Entries))
	for _, e := range s.Entries {
		st.entries = append(st.entries, e)
		st.ids[e.ID] = struct{}{}
	}
	return st, nil
}

func (s *Store) ID() string {
	return s.id
}

// Append adds a final entry.
func (s *Store) Append(e domain.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tail != nil {
		return ErrTailOpen
	}
	if e.Content.Kind() != domain.ContentText {
		return fmt.Errorf("%w: %s content must be appended as a pair", ErrInvalidEntry, e.Content.Kind())
	}
	if err := s.checkEntry(e); err != nil {
		return err
	}
	s.push(e)
	return nil
}

// AppendPair adds a tool invocation and its result as one unit. Either both are
// appended or neither is.
func (s *Store) AppendPair(invocation, result domain.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tail != nil {
		return ErrTailOpen
	}
	if invocation.Role != domain.RoleAssistant || result.Role != domain.RoleTool {
		return fmt.Errorf("%w: roles %q/%q", ErrMismatchedPair, invocation.Role, result.Role)
	}
	inv, ok := invocation.Content.ToolCall()
	if !ok {
		return fmt.Errorf("%w: first entry is not a tool call", ErrMismatchedPair)
	}
	res, ok := result.Content.ToolResult()
	if !ok {
		return fmt.Errorf("%w: second entry is not a tool result", ErrMismatchedPair)
	}
	if inv.CallID == "" || inv.CallID != res.CallID {
		return fmt.Errorf("%w: call ids %q/%q", ErrMismatchedPair, inv.CallID, res.CallID)
	}
	if err := s.checkEntry(invocation); err != nil {
		return err
	}
	if err := s.checkEntry(result); err != nil {
		return err
	}
	if invocation.ID == result.ID {
		return fmt.Errorf("%w: %q", ErrDuplicateEntry, result.ID)
	}
	s.push(invocation)
	s.push(result)
	return nil
}

// BeginText opens the in-progress text tail with its first delta.
func (s *Store) BeginText(id string, role domain.Role, delta string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tail != nil {
		return ErrTailOpen
	}
	e := domain.Entry{ID: id, Role: role, Content: domain.TextContent(delta)}
	if err := s.checkEntry(e); err != nil {
		return err
	}
	s.tail = &e
	return nil
}

// ReplaceLast rewrites the in-progress tail with the accumulated text.
func (s *Store) ReplaceLast(partial string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tail == nil {
		return ErrNoTail
	}
	s.tail.Content = domain.TextContent(partial)
	return nil
}

// Finalize closes the tail and commits it as a final entry.
func (s *Store) Finalize() (domain.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tail == nil {
		return domain.Entry{}, ErrNoTail
	}
	e := *s.tail
	s.tail = nil
	s.push(e)
	return e, nil
}

// Abandon drops an unfinalized tail. It reports whether there was one.
func (s *Store) Abandon() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tail == nil {
		return false
	}
	s.tail = nil
	return true
}

// Tail returns the in-progress entry, if any.
func (s *Store) Tail() (domain.Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tail == nil {
		return domain.Entry{}, false
	}
	return *s.tail, true
}

// Snapshot copies the final entries. The in-progress tail is excluded.
func (s *Store) Snapshot() domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]domain.Entry, len(s.entries))
	copy(entries, s.entries)
	return domain.Snapshot{ConversationID: s.id, Entries: entries}
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) checkEntry(e domain.Entry) error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidEntry)
	}
	if _, dup := s.ids[e.ID]; dup {
		return fmt.Errorf("%w: %q", ErrDuplicateEntry, e.ID)
	}
	switch e.Role {
	case domain.RoleUser, domain.RoleAssistant, domain.RoleTool:
	default:
		return fmt.Errorf("%w: role %q", ErrInvalidEntry, e.Role)
	}
	if e.Role == domain.RoleTool && e.Content.Kind() == domain.ContentText {
		return fmt.Errorf("%w: tool role requires a tool result", ErrInvalidEntry)
	}
	return nil
}

func (s *Store) push(e domain.Entry) {
	s.entries = append(s.entries, e)
	s.ids[e.ID] = struct{}{}
}

// Package rowaction arms row actions and runs the mutations they confirm.
package rowaction

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/tabula/model"
)

// Slot holds at most one armed row action. Arming replaces whatever was
// armed; each arming gets a fresh token so a confirmation for a replaced
// action can be told apart.
type Slot struct {
	now func() time.Time

	mu      sync.Mutex
	current *model.RowAction
	// claimed is the token of the action being confirmed, if any.
	claimed string
}

// NewSlot creates an empty Slot.
func NewSlot() *Slot {
	return &Slot{now: time.Now}
}

// Arm records action on row as the pending action and returns it.
func (s *Slot) Arm(listID string, row model.Row, action model.ActionDefinition) model.RowAction {
	ra := model.RowAction{
		Token:    uuid.NewString(),
		ListID:   listID,
		Row:      row,
		ActionID: action.ID,
		Variant:  action.Variant,
		ArmedAt:  s.now().UTC(),
	}
	s.mu.Lock()
	s.current = &ra
	s.claimed = ""
	s.mu.Unlock()
	return ra
}

// Current returns the armed action, or nil.
func (s *Slot) Current() *model.RowAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	c := *s.current
	return &c
}

// Clear disarms the slot.
func (s *Slot) Clear() {
	s.mu.Lock()
	s.current = nil
	s.claimed = ""
	s.mu.Unlock()
}

// Check returns the armed action when token identifies it. It fails with
// NO_ACTION_ARMED when nothing is armed and STALE_ACTION when another action
// has been armed since.
func (s *Slot) Check(token string) (model.RowAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.check(token)
}

func (s *Slot) check(token string) (model.RowAction, error) {
	if s.current == nil {
		return model.RowAction{}, model.NewNoActionArmedError()
	}
	if s.current.Token != token {
		return model.RowAction{}, model.NewStaleActionError()
	}
	return *s.current, nil
}

// Claim marks the action armed under token as being confirmed and returns
// it. While claimed, further claims fail with CONFLICT. release drops the
// claim and leaves the action armed; after a successful confirmation ClearIf
// disarms it instead.
func (s *Slot) Claim(token string) (model.RowAction, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	armed, err := s.check(token)
	if err != nil {
		return model.RowAction{}, nil, err
	}
	if s.claimed == token {
		return model.RowAction{}, nil, model.NewConflictError("action is already being confirmed")
	}
	s.claimed = token
	release := func() {
		s.mu.Lock()
		if s.claimed == token {
			s.claimed = ""
		}
		s.mu.Unlock()
	}
	return armed, release, nil
}

// ClearIf disarms the slot only when token is still the armed one.
func (s *Slot) ClearIf(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.Token != token {
		return false
	}
	s.current = nil
	s.claimed = ""
	return true
}

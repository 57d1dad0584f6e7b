// Package searchstate holds the per-list search state: paging, sorting,
// filters and free text. State changes only through merge patches, and free
// text is committed after a debounce window.
package searchstate

import (
	"maps"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/tabula/internal/debounce"
	"github.com/pitabwire/tabula/model"
)

// DefaultDebounce is the quiet window before typed search text is committed.
const DefaultDebounce = 300 * time.Millisecond

// Store is the search state of one mounted list. It is safe for concurrent use.
type Store struct {
	defaults func() model.SearchState
	delay    time.Duration
	sched    *debounce.Scheduler
	onSearch func(q string)

	mu     sync.Mutex
	state  model.SearchState
	echo   string
	subs   map[int]func(model.SearchState)
	nextID int
}

// Option configures a Store.
type Option func(*Store)

// WithDebounce sets the search quiet window.
func WithDebounce(d time.Duration) Option {
	return func(s *Store) {
		if d >= 0 {
			s.delay = d
		}
	}
}

// WithClock drives the debounce timer from clock.
func WithClock(clock debounce.Clock) Option {
	return func(s *Store) { s.sched = debounce.New(clock) }
}

// OnSearchCommit registers fn to run after each debounced text commit.
func OnSearchCommit(fn func(q string)) Option {
	return func(s *Store) { s.onSearch = fn }
}

// NewStore creates a store starting from defaults(). defaults is called again
// on Reset so time-relative filters are recomputed.
func NewStore(defaults func() model.SearchState, opts ...Option) *Store {
	s := &Store{
		defaults: defaults,
		delay:    DefaultDebounce,
		subs:     make(map[int]func(model.SearchState)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sched == nil {
		s.sched = debounce.New(nil)
	}
	s.state = s.initial()
	s.echo = s.state.String(model.ParamQuery)
	return s
}

func (s *Store) initial() model.SearchState {
	var st model.SearchState
	if s.defaults != nil {
		st = s.defaults().Clone()
	} else {
		st = model.SearchState{}
	}
	clamp(st, nil)
	return st
}

// clamp enforces page >= 1 and per_page > 0, falling back to fallback's
// values and then to the package defaults.
func clamp(st, fallback model.SearchState) {
	if p := st.Int(model.ParamPage, 0); p < 1 {
		st[model.ParamPage] = fallback.Page()
	} else {
		st[model.ParamPage] = p
	}
	if n := st.Int(model.ParamPerPage, 0); n <= 0 {
		st[model.ParamPerPage] = fallback.PerPage()
	} else {
		st[model.ParamPerPage] = n
	}
}

// State returns a copy of the committed state.
func (s *Store) State() model.SearchState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Patch merges partial into the state. Keys absent from partial keep their
// values. A nil or empty-string value clears the key; clearing page or
// per_page restores its default. When q changes and partial does not set
// page, page resets to 1. A patch that sets q supersedes any pending
// debounced text.
func (s *Store) Patch(partial map[string]any) model.SearchState {
	next, _ := s.PatchChecked(partial, nil)
	return next
}

// PatchChecked merges partial like Patch, but commits only when check accepts
// the merged state. On rejection the state is unchanged and the current state
// is returned with check's error.
func (s *Store) PatchChecked(partial map[string]any, check func(model.SearchState) error) (model.SearchState, error) {
	if _, ok := partial[model.ParamQuery]; ok {
		s.sched.Cancel()
	}
	next, changed, subs, err := s.apply(partial, check)
	if changed {
		notify(subs, next)
	}
	return next, err
}

func (s *Store) apply(partial map[string]any, check func(model.SearchState) error) (model.SearchState, bool, []func(model.SearchState), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.state
	next := prev.Clone()
	defaults := s.initial()

	for k, v := range partial {
		if v == nil || v == "" {
			if k == model.ParamPage || k == model.ParamPerPage {
				next[k] = defaults[k]
			} else {
				delete(next, k)
			}
			continue
		}
		next[k] = v
	}
	clamp(next, defaults)

	_, setsPage := partial[model.ParamPage]
	if !setsPage && next.String(model.ParamQuery) != prev.String(model.ParamQuery) {
		next[model.ParamPage] = model.DefaultPage
	}
	if check != nil {
		if err := check(next); err != nil {
			return prev.Clone(), false, nil, err
		}
	}
	if _, ok := partial[model.ParamQuery]; ok {
		s.echo = next.String(model.ParamQuery)
	}

	if reflect.DeepEqual(prev, next) {
		return next.Clone(), false, nil, nil
	}
	s.state = next
	return next.Clone(), true, s.subscribers(), nil
}

// SetDebouncedSearchText records text as the input echo immediately and
// commits it as q once the quiet window passes without another call.
func (s *Store) SetDebouncedSearchText(text string) model.SearchEcho {
	s.mu.Lock()
	s.echo = text
	s.mu.Unlock()

	s.sched.Schedule(s.delay, func() { s.commitSearch(text) })
	return s.Echo()
}

func (s *Store) commitSearch(text string) {
	var v any
	if text != "" {
		v = text
	}
	next, changed, subs, _ := s.apply(map[string]any{model.ParamQuery: v}, nil)
	if s.onSearch != nil {
		s.onSearch(text)
	}
	if changed {
		notify(subs, next)
	}
}

// FlushSearch commits pending search text now. It reports whether anything
// was pending.
func (s *Store) FlushSearch() bool {
	return s.sched.Flush()
}

// Echo returns the raw input text alongside the committed q.
func (s *Store) Echo() model.SearchEcho {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.SearchEcho{
		Text:      s.echo,
		Committed: s.state.String(model.ParamQuery),
		Pending:   s.sched.Pending(),
	}
}

// Reset replaces the state with freshly computed defaults and drops pending
// search text.
func (s *Store) Reset() model.SearchState {
	s.sched.Cancel()

	s.mu.Lock()
	prev := s.state
	s.state = s.initial()
	s.echo = s.state.String(model.ParamQuery)
	next := s.state.Clone()
	changed := !reflect.DeepEqual(prev, s.state)
	subs := s.subscribers()
	s.mu.Unlock()

	if changed {
		notify(subs, next)
	}
	return next
}

// ResetKeys restores keys to their default values, or clears them when they
// have none, and returns to page 1. The toolbar uses it for filters held
// outside the table, such as the date range.
func (s *Store) ResetKeys(keys ...string) model.SearchState {
	defaults := s.initial()
	partial := make(map[string]any, len(keys)+1)
	for _, k := range keys {
		partial[k] = defaults[k]
	}
	partial[model.ParamPage] = model.DefaultPage
	return s.Patch(partial)
}

// Subscribe registers fn to receive every committed change. It returns a
// function that removes the subscription.
func (s *Store) Subscribe(fn func(model.SearchState)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Close stops the debounce timer. Pending text is discarded.
func (s *Store) Close() {
	s.sched.Stop()
}

// subscribers must be called with the lock held.
func (s *Store) subscribers() []func(model.SearchState) {
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(model.SearchState), len(ids))
	for i, id := range ids {
		out[i] = s.subs[id]
	}
	return out
}

func notify(subs []func(model.SearchState), st model.SearchState) {
	for _, fn := range subs {
		fn(maps.Clone(st))
	}
}

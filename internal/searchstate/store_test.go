package searchstate

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pitabwire/tabula/internal/debounce"
	"github.com/pitabwire/tabula/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2026, 3, 18, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, opts ...Option) (*Store, *debounce.ManualClock) {
	t.Helper()
	clock := debounce.NewManualClock(epoch)
	defaults := DefaultsFor(model.ListDefinition{
		DefaultFilter:  model.DefaultFilterMonthToDate,
		DateRangeParam: "created_at",
	}, 25, time.UTC)

	opts = append([]Option{WithClock(clock)}, opts...)
	s := NewStore(func() model.SearchState { return defaults.State(clock.Now()) }, opts...)
	t.Cleanup(s.Close)
	return s, clock
}

func TestStore_InitialState(t *testing.T) {
	s, _ := newTestStore(t)
	st := s.State()

	assert.Equal(t, 1, st.Page())
	assert.Equal(t, 25, st.PerPage())
	r, err := ParseDateRange(st.String("created_at"), time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01", r.From)
	assert.Equal(t, "2026-03-18", r.To)
}

func TestStore_PatchMergesAndRetains(t *testing.T) {
	s, _ := newTestStore(t)
	before := s.State()

	s.Patch(map[string]any{"status": "active"})
	st := s.Patch(map[string]any{"page": 4})

	assert.Equal(t, "active", st["status"])
	assert.Equal(t, 4, st.Page())
	assert.Equal(t, before["created_at"], st["created_at"])
	assert.Equal(t, 25, st.PerPage())
}

func TestStore_PatchNilClearsKey(t *testing.T) {
	s, _ := newTestStore(t)
	s.Patch(map[string]any{"status": "active", "region_id": 3})

	st := s.Patch(map[string]any{"status": nil, "region_id": ""})
	assert.NotContains(t, st, "status")
	assert.NotContains(t, st, "region_id")
}

func TestStore_PagingKeysAreClamped(t *testing.T) {
	s, _ := newTestStore(t)

	st := s.Patch(map[string]any{"page": 0, "per_page": -5})
	assert.Equal(t, 1, st.Page())
	assert.Equal(t, 25, st.PerPage())

	s.Patch(map[string]any{"page": 3, "per_page": 100})
	st = s.Patch(map[string]any{"page": nil, "per_page": nil})
	assert.Equal(t, 1, st[model.ParamPage])
	assert.Equal(t, 25, st[model.ParamPerPage])
}

func TestStore_QueryChangeResetsPage(t *testing.T) {
	s, _ := newTestStore(t)
	s.Patch(map[string]any{"page": 5})

	st := s.Patch(map[string]any{"q": "amina"})
	assert.Equal(t, 1, st.Page())

	st = s.Patch(map[string]any{"q": "amina", "page": 2})
	assert.Equal(t, 2, st.Page())

	st = s.Patch(map[string]any{"q": "juma", "page": 3})
	assert.Equal(t, 3, st.Page(), "an explicit page wins over the reset")
}

func TestStore_DebouncedSearchCommitsLastValue(t *testing.T) {
	var commits []string
	s, clock := newTestStore(t, OnSearchCommit(func(q string) { commits = append(commits, q) }))
	s.Patch(map[string]any{"page": 3})

	var mu sync.Mutex
	var seen []model.SearchState
	unsubscribe := s.Subscribe(func(st model.SearchState) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	})
	defer unsubscribe()

	echo := s.SetDebouncedSearchText("john")
	assert.Equal(t, "john", echo.Text)
	assert.Empty(t, echo.Committed)
	assert.True(t, echo.Pending)

	clock.Advance(100 * time.Millisecond)
	s.SetDebouncedSearchText("johns")
	clock.Advance(299 * time.Millisecond)
	assert.Empty(t, commits)
	assert.Empty(t, s.State().String(model.ParamQuery))

	clock.Advance(time.Millisecond)
	assert.Equal(t, []string{"johns"}, commits)

	st := s.State()
	assert.Equal(t, "johns", st.String(model.ParamQuery))
	assert.Equal(t, 1, st.Page())

	mu.Lock()
	require.Len(t, seen, 1)
	assert.Equal(t, "johns", seen[0].String(model.ParamQuery))
	mu.Unlock()

	echo = s.Echo()
	assert.Equal(t, "johns", echo.Committed)
	assert.False(t, echo.Pending)
}

func TestStore_DirectQueryPatchCancelsPendingText(t *testing.T) {
	s, clock := newTestStore(t)

	s.SetDebouncedSearchText("jo")
	s.Patch(map[string]any{"q": "peter"})
	clock.Advance(time.Second)

	assert.Equal(t, "peter", s.State().String(model.ParamQuery))
	echo := s.Echo()
	assert.Equal(t, "peter", echo.Text)
	assert.False(t, echo.Pending)
}

func TestStore_ClearingSearchText(t *testing.T) {
	s, clock := newTestStore(t)
	s.Patch(map[string]any{"q": "john"})

	s.SetDebouncedSearchText("")
	clock.Advance(DefaultDebounce)
	assert.NotContains(t, s.State(), model.ParamQuery)
}

func TestStore_FlushSearch(t *testing.T) {
	s, _ := newTestStore(t)

	assert.False(t, s.FlushSearch())
	s.SetDebouncedSearchText("wanjiku")
	assert.True(t, s.FlushSearch())
	assert.Equal(t, "wanjiku", s.State().String(model.ParamQuery))
}

func TestStore_ResetRecomputesDefaults(t *testing.T) {
	s, clock := newTestStore(t)
	s.Patch(map[string]any{"status": "blocked", "page": 9, "created_at": nil})
	clock.Advance(31 * 24 * time.Hour)
	s.SetDebouncedSearchText("pending")

	st := s.Reset()

	assert.NotContains(t, st, "status")
	assert.Equal(t, 1, st.Page())
	r, err := ParseDateRange(st.String("created_at"), time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "2026-04-01", r.From)
	assert.Equal(t, "2026-04-18", r.To)
	assert.False(t, s.Echo().Pending)
}

func TestStore_ResetKeys(t *testing.T) {
	s, _ := newTestStore(t)
	initialRange := s.State()["created_at"]
	s.Patch(map[string]any{"created_at": "2025-01-01,2025-01-31", "status": "active", "page": 4})

	st := s.ResetKeys("created_at", "status")
	assert.Equal(t, initialRange, st["created_at"])
	assert.NotContains(t, st, "status")
	assert.Equal(t, 1, st.Page())
}

func TestStore_SubscribersOnlySeeChanges(t *testing.T) {
	s, _ := newTestStore(t)

	calls := 0
	unsubscribe := s.Subscribe(func(model.SearchState) { calls++ })

	s.Patch(map[string]any{"status": "active"})
	s.Patch(map[string]any{"status": "active"})
	assert.Equal(t, 1, calls)

	unsubscribe()
	s.Patch(map[string]any{"status": "blocked"})
	assert.Equal(t, 1, calls)
}

func TestStore_StateIsACopy(t *testing.T) {
	s, _ := newTestStore(t)
	st := s.State()
	st["status"] = "mutated"
	assert.NotContains(t, s.State(), "status")
}

func TestStore_CloseDiscardsPending(t *testing.T) {
	s, clock := newTestStore(t)
	s.SetDebouncedSearchText("late")
	s.Close()
	clock.Advance(time.Second)
	assert.Empty(t, s.State().String(model.ParamQuery))
}

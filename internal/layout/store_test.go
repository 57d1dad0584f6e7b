package layout

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/internal/observability"
	"github.com/pitabwire/tabula/model"
)

func sample() model.Layout {
	return model.Layout{
		Order:      []string{"balance", "name", "status"},
		Visibility: map[string]bool{"status": false},
		Widths:     map[string]int{"name": 220},
		UpdatedAt:  time.Date(2026, 3, 18, 9, 0, 0, 0, time.UTC),
	}
}

var key = Key{Session: "t1/u1", Prefix: "customers-table"}

// roundTrip checks a store against the behavior every driver shares.
func roundTrip(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	got, err := s.Load(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.Save(ctx, key, sample()))
	got, err = s.Load(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, sample().Order, got.Order)
	assert.Equal(t, sample().Visibility, got.Visibility)
	assert.Equal(t, sample().Widths, got.Widths)
	assert.True(t, sample().UpdatedAt.Equal(got.UpdatedAt))

	other := Key{Session: key.Session, Prefix: key.Prefix, Suffix: "dashboard"}
	got, err = s.Load(ctx, other)
	require.NoError(t, err)
	assert.Nil(t, got, "suffixed keys are separate layouts")

	updated := sample()
	updated.Order = []string{"name"}
	require.NoError(t, s.Save(ctx, key, updated))
	got, err = s.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"name"}, got.Order, "last write wins")

	require.NoError(t, s.Delete(ctx, key))
	got, err = s.Load(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.HealthCheck(ctx))
}

func TestMemoryStore(t *testing.T) {
	roundTrip(t, NewMemoryStore())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	l := sample()
	require.NoError(t, s.Save(context.Background(), key, l))
	l.Widths["name"] = 1

	got, err := s.Load(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, 220, got.Widths["name"])
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client, time.Hour)
	defer s.Close()

	roundTrip(t, s)

	require.NoError(t, s.Save(context.Background(), key, sample()))
	assert.True(t, mr.Exists("tabula:layout:t1/u1:customers-table"))
	mr.FastForward(2 * time.Hour)
	got, err := s.Load(context.Background(), key)
	require.NoError(t, err)
	assert.Nil(t, got, "layouts expire after the ttl")
}

func TestRedisStore_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client, 0)
	defer s.Close()
	mr.Close()

	_, err := s.Load(context.Background(), key)
	require.Error(t, err)
	require.Error(t, s.HealthCheck(context.Background()))
}

func TestPgStore(t *testing.T) {
	dsn := os.Getenv("TABULA_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TABULA_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	s := NewPgStore(pool)
	defer s.Close()
	require.NoError(t, s.Migrate(ctx))
	_ = s.Delete(ctx, key)

	roundTrip(t, s)
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(sample()))

	bad := sample()
	bad.Order = []string{"name", ""}
	bad.Widths = map[string]int{"name": -4}
	err := Validate(bad)
	require.Error(t, err)

	env, ok := model.AsEnvelope(err)
	require.True(t, ok)
	assert.Equal(t, model.ErrValidationError, env.Code)
	assert.Len(t, env.Details, 2)
}

func TestKey_String(t *testing.T) {
	assert.Equal(t, "t1/u1:customers-table", key.String())
	assert.Equal(t, "t1/u1:customers-table:dashboard", Key{Session: "t1/u1", Prefix: "customers-table", Suffix: "dashboard"}.String())
}

func TestOpen(t *testing.T) {
	m := observability.InitMetrics(prometheus.NewRegistry())
	s, err := Open(context.Background(), config.LayoutConfig{Driver: config.LayoutDriverMemory}, m)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save(context.Background(), key, sample()))
	_, err = s.Load(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LayoutOpsTotal.WithLabelValues("memory", "save", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LayoutOpsTotal.WithLabelValues("memory", "load", "ok")))

	mr := miniredis.RunT(t)
	t.Setenv("TEST_LAYOUT_REDIS", mr.Addr())
	s, err = Open(context.Background(), config.LayoutConfig{Driver: config.LayoutDriverRedis, AddrEnv: "TEST_LAYOUT_REDIS"}, nil)
	require.NoError(t, err)
	defer s.Close()
	roundTrip(t, s)

	_, err = Open(context.Background(), config.LayoutConfig{Driver: config.LayoutDriverRedis, AddrEnv: "TEST_LAYOUT_UNSET"}, nil)
	require.Error(t, err)
	_, err = Open(context.Background(), config.LayoutConfig{Driver: "sqlite"}, nil)
	require.Error(t, err)
}

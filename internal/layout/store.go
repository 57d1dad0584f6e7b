// Package layout persists per-user column layouts: order, visibility and
// widths. Writes are last-write-wins.
package layout

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/internal/observability"
	"github.com/pitabwire/tabula/model"
)

// Store loads and saves layouts.
type Store interface {
	// Load returns the saved layout, or nil when none was saved.
	Load(ctx context.Context, key Key) (*model.Layout, error)
	// Save replaces the layout stored under key.
	Save(ctx context.Context, key Key, l model.Layout) error
	// Delete removes the layout stored under key.
	Delete(ctx context.Context, key Key) error
	// HealthCheck reports whether the backing store is reachable.
	HealthCheck(ctx context.Context) error
	// Close releases the store's connections.
	Close() error
}

// Key identifies one saved layout: a session, the list's storage prefix and
// an optional suffix for lists rendered in several places.
type Key struct {
	Session string
	Prefix  string
	Suffix  string
}

// String encodes the key as "<session>:<prefix>[:<suffix>]".
func (k Key) String() string {
	s := k.Session + ":" + k.Prefix
	if k.Suffix != "" {
		s += ":" + k.Suffix
	}
	return s
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks a layout before it is saved.
func Validate(l model.Layout) error {
	err := validate.Struct(l)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return model.NewBadRequestError(err.Error())
	}
	details := make([]model.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, model.FieldError{
			Field:   strings.ToLower(fe.Namespace()),
			Code:    strings.ToUpper(fe.Tag()),
			Message: fmt.Sprintf("failed %q validation", fe.Tag()),
		})
	}
	return model.NewValidationError(details)
}

// Open builds the store selected by cfg.Driver. Connection settings are read
// from the environment variables cfg names.
func Open(ctx context.Context, cfg config.LayoutConfig, metrics *observability.Metrics) (Store, error) {
	var store Store
	switch cfg.Driver {
	case config.LayoutDriverMemory, "":
		store = NewMemoryStore()
	case config.LayoutDriverRedis:
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, fmt.Errorf("layout: %s is not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		store = NewRedisStore(client, cfg.TTL)
	case config.LayoutDriverPostgres:
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, fmt.Errorf("layout: %s is not set", cfg.DSNEnv)
		}
		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("layout: parsing dsn: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("layout: connecting: %w", err)
		}
		pg := NewPgStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		store = pg
	default:
		return nil, fmt.Errorf("layout: unknown driver %q", cfg.Driver)
	}
	return Instrument(store, cfg.Driver, metrics), nil
}

// Instrument wraps store so every load and save is counted.
func Instrument(store Store, driver string, metrics *observability.Metrics) Store {
	if metrics == nil {
		return store
	}
	if driver == "" {
		driver = config.LayoutDriverMemory
	}
	return &instrumented{Store: store, driver: driver, metrics: metrics}
}

type instrumented struct {
	Store
	driver  string
	metrics *observability.Metrics
}

func (s *instrumented) Load(ctx context.Context, key Key) (*model.Layout, error) {
	l, err := s.Store.Load(ctx, key)
	s.metrics.RecordLayoutOp(s.driver, "load", err)
	return l, err
}

func (s *instrumented) Save(ctx context.Context, key Key, l model.Layout) error {
	err := s.Store.Save(ctx, key, l)
	s.metrics.RecordLayoutOp(s.driver, "save", err)
	return err
}

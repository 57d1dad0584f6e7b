// Package integration provides an end-to-end harness for the tabula BFF. It
// serves the full router with real JWT verification, the OpenAPI invoker and
// the list controllers, talking to mock upstream services built from the
// fixture OpenAPI specs.
package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pitabwire/tabula/internal/capability"
	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/internal/controller"
	"github.com/pitabwire/tabula/internal/definition"
	"github.com/pitabwire/tabula/internal/invoker"
	"github.com/pitabwire/tabula/internal/layout"
	"github.com/pitabwire/tabula/internal/locale"
	"github.com/pitabwire/tabula/internal/lookup"
	"github.com/pitabwire/tabula/internal/notify"
	"github.com/pitabwire/tabula/internal/openapi"
	"github.com/pitabwire/tabula/internal/rowaction"
	"github.com/pitabwire/tabula/internal/session"
	"github.com/pitabwire/tabula/internal/transport"
)

// TestHarness is a fully wired BFF instance for one test.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	Config   *config.Config
	Index    *openapi.Index
	Registry *definition.Registry
	Manager  *controller.Manager
	Revoked  *session.Revocations

	backends map[string]*MockBackend
}

// HarnessOption configures the harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitionDirs []string
	specs          map[string]string
	policyFile     string
	exportLimit    int
}

// WithSpec serves serviceID from the given OpenAPI file.
func WithSpec(serviceID, specFile string) HarnessOption {
	return func(c *harnessConfig) {
		c.specs[serviceID] = specFile
	}
}

// WithExportLimit caps exports per session per hour.
func WithExportLimit(n int) HarnessOption {
	return func(c *harnessConfig) {
		c.exportLimit = n
	}
}

// NewTestHarness starts a BFF backed by mock services. Everything is torn
// down when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	dir := testdataDir()
	hc := &harnessConfig{
		definitionDirs: []string{filepath.Join(dir, "definitions")},
		specs:          map[string]string{},
		policyFile:     filepath.Join(dir, "policies.yaml"),
	}
	for _, opt := range opts {
		opt(hc)
	}
	if len(hc.specs) == 0 {
		hc.specs["customers-svc"] = filepath.Join(dir, "specs", "customers-svc.yaml")
	}

	h := &TestHarness{t: t, backends: make(map[string]*MockBackend), issuer: newTokenIssuer(t)}

	cfg := config.Defaults()
	cfg.Identity.Issuer = h.issuer.issuer
	cfg.Identity.Audience = h.issuer.audience
	cfg.Identity.JWKSURL = h.issuer.jwks.URL
	cfg.Server.HandlerTimeout = 10 * time.Second
	cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	cfg.Export.RateLimit = hc.exportLimit
	cfg.Export.RateWindow = time.Hour
	cfg.Services = make(map[string]config.ServiceConfig, len(hc.specs))
	h.Config = cfg

	h.Index = openapi.NewIndex()
	for serviceID, specFile := range hc.specs {
		mb := newMockBackend(t, serviceID)
		h.backends[serviceID] = mb
		data, err := os.ReadFile(specFile)
		require.NoError(t, err, "read spec %s", specFile)
		require.NoError(t, h.Index.LoadData(serviceID, mb.URL(), data))
		mb.register(h.Index)
		cfg.Services[serviceID] = config.ServiceConfig{
			BaseURL: mb.URL(),
			Timeout: 5 * time.Second,
			Retry:   config.RetryConfig{MaxAttempts: 1, IdempotentOnly: true},
		}
	}

	defs, err := definition.NewLoader().LoadAll(hc.definitionDirs)
	require.NoError(t, err, "load definitions")
	require.Empty(t, definition.NewValidator().Validate(defs, h.Index), "fixture definitions are valid")
	h.Registry = definition.NewRegistry(defs)

	evaluator, err := capability.NewStaticPolicyEvaluator(hc.policyFile)
	require.NoError(t, err, "load policy file")

	translator, err := locale.NewTranslator(cfg.I18n)
	require.NoError(t, err)

	h.Revoked = session.NewRevocations()
	tokens := session.NewRouter(
		session.NewForwardedTokenSource(h.Revoked),
		session.NewClientCredentialsTokenSource(cfg.Services, os.Getenv, nil),
	)
	inv := invoker.NewOpenAPIOperationInvoker(h.Index, cfg.Services, tokens)

	notes := notify.NewCenter(cfg.Lists.Notifications)
	h.Manager = controller.NewManager(controller.Deps{
		Config:   cfg.Lists,
		Invoker:  inv,
		Executor: rowaction.NewExecutor(inv, notes, rowaction.WithIndex(h.Index)),
		Layouts:  layout.NewMemoryStore(),
		Notes:    notes,
	})
	t.Cleanup(h.Manager.Close)

	router := transport.NewRouter(transport.Dependencies{
		Config:             cfg,
		Authenticate:       transport.JWTAuthenticator(cfg.Identity, transport.NewJWKSClient(cfg.Identity.JWKSURL, time.Hour), h.Revoked),
		CapabilityResolver: capability.NewResolver(evaluator, 0),
		Translator:         translator,
		Lists:              h.Registry,
		Manager:            h.Manager,
		Lookups:            lookup.NewProvider(h.Registry, inv, time.Minute, 100),
	})
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)
	return h
}

// Backend returns the mock for serviceID.
func (h *TestHarness) Backend(serviceID string) *MockBackend {
	h.t.Helper()
	mb, ok := h.backends[serviceID]
	require.True(h.t, ok, "no mock backend for %q", serviceID)
	return mb
}

// Token signs a token for claims.
func (h *TestHarness) Token(claims TestClaims) string {
	return h.issuer.Token(claims)
}

// ExpiredToken signs a token that has already expired.
func (h *TestHarness) ExpiredToken(claims TestClaims) string {
	return h.issuer.ExpiredToken(claims)
}

// Do sends a request with token as its bearer credential. An empty token
// sends no Authorization header.
func (h *TestHarness) Do(method, path, token string, body any) (*http.Response, []byte) {
	h.t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(h.t, err)
		rd = strings.NewReader(string(data))
	}
	req, err := http.NewRequest(method, h.server.URL+path, rd)
	require.NoError(h.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	return resp, data
}

// ParseJSON decodes data into a T.
func ParseJSON[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

// Identities used across the integration tests.
var (
	ViewerClaims = TestClaims{
		SubjectID: "user-viewer",
		TenantID:  "tenant-1",
		Email:     "viewer@example.com",
		Roles:     []string{"viewer"},
	}
	ManagerClaims = TestClaims{
		SubjectID: "user-manager",
		TenantID:  "tenant-1",
		Email:     "manager@example.com",
		Roles:     []string{"manager"},
	}
	OutsiderClaims = TestClaims{
		SubjectID: "user-outsider",
		TenantID:  "tenant-2",
		Email:     "outsider@example.com",
	}
)

func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

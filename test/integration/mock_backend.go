package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/pitabwire/tabula/internal/openapi"
)

// MockBackend simulates one upstream service. Its routes come from the
// service's OpenAPI operations; each operation answers with the responses
// queued for it and records every request it receives.
type MockBackend struct {
	serviceID string
	server    *httptest.Server

	mu        sync.Mutex
	mux       *http.ServeMux
	responses map[string][]mockResponse
	received  map[string][]RecordedRequest
}

// RecordedRequest is one request received by a mock backend.
type RecordedRequest struct {
	Method  string
	Path    string
	Query   map[string]string
	Headers http.Header
	Body    map[string]any
}

type mockResponse struct {
	status    int
	body      any
	raw       []byte
	connError bool
	fn        func(RecordedRequest) (int, any)
}

// OperationMock queues responses for one operation.
type OperationMock struct {
	backend *MockBackend
	opID    string
}

func newMockBackend(t *testing.T, serviceID string) *MockBackend {
	t.Helper()
	mb := &MockBackend{
		serviceID: serviceID,
		mux:       http.NewServeMux(),
		responses: make(map[string][]mockResponse),
		received:  make(map[string][]RecordedRequest),
	}
	mb.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mb.mu.Lock()
		mux := mb.mux
		mb.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(mb.server.Close)
	return mb
}

// register mounts a handler for every indexed operation of the service.
func (mb *MockBackend) register(idx *openapi.Index) {
	mux := http.NewServeMux()
	for _, opID := range idx.AllOperationIDs(mb.serviceID) {
		op, _ := idx.GetOperation(mb.serviceID, opID)
		mux.HandleFunc(op.Method+" "+op.PathTemplate, mb.handle(opID))
	}
	mb.mu.Lock()
	mb.mux = mux
	mb.mu.Unlock()
}

// URL returns the backend's base URL.
func (mb *MockBackend) URL() string { return mb.server.URL }

// OnOperation returns a builder for the named operation's responses.
func (mb *MockBackend) OnOperation(operationID string) *OperationMock {
	return &OperationMock{backend: mb, opID: operationID}
}

// RespondWith queues a JSON response.
func (om *OperationMock) RespondWith(status int, body any) *OperationMock {
	om.backend.queue(om.opID, mockResponse{status: status, body: body})
	return om
}

// RespondFunc answers from fn, which sees the recorded request. A []byte
// body is sent as text/csv.
func (om *OperationMock) RespondFunc(fn func(RecordedRequest) (int, any)) *OperationMock {
	om.backend.queue(om.opID, mockResponse{fn: fn})
	return om
}

// RespondWithError queues an upstream error payload.
func (om *OperationMock) RespondWithError(status int, message string) *OperationMock {
	return om.RespondWith(status, map[string]any{"message": message})
}

// RespondWithConnectionError closes the connection without answering.
func (om *OperationMock) RespondWithConnectionError() *OperationMock {
	om.backend.queue(om.opID, mockResponse{connError: true})
	return om
}

func (mb *MockBackend) queue(opID string, resp mockResponse) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.responses[opID] = append(mb.responses[opID], resp)
}

// next pops the operation's next response. The last one repeats.
func (mb *MockBackend) next(opID string) (mockResponse, bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	queued := mb.responses[opID]
	if len(queued) == 0 {
		return mockResponse{}, false
	}
	resp := queued[0]
	if len(queued) > 1 {
		mb.responses[opID] = queued[1:]
	}
	return resp, true
}

func (mb *MockBackend) handle(opID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := RecordedRequest{
			Method:  r.Method,
			Path:    r.URL.Path,
			Query:   make(map[string]string),
			Headers: r.Header.Clone(),
		}
		for k, v := range r.URL.Query() {
			rec.Query[k] = v[0]
		}
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			_ = json.Unmarshal(data, &rec.Body)
		}
		mb.mu.Lock()
		mb.received[opID] = append(mb.received[opID], rec)
		mb.mu.Unlock()

		resp, ok := mb.next(opID)
		if ok && resp.fn != nil {
			status, body := resp.fn(rec)
			if raw, isRaw := body.([]byte); isRaw {
				resp = mockResponse{status: status, raw: raw}
			} else {
				resp = mockResponse{status: status, body: body}
			}
		}
		switch {
		case !ok:
			w.WriteHeader(http.StatusNoContent)
		case resp.connError:
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, _ := hj.Hijack(); conn != nil {
					conn.Close()
				}
			}
		case resp.raw != nil:
			w.Header().Set("Content-Type", "text/csv")
			w.WriteHeader(resp.status)
			_, _ = w.Write(resp.raw)
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(resp.status)
			if resp.body != nil {
				_ = json.NewEncoder(w).Encode(resp.body)
			}
		}
	}
}

// Calls returns how many times the operation was called.
func (mb *MockBackend) Calls(operationID string) int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.received[operationID])
}

// LastRequest returns the operation's most recent request.
func (mb *MockBackend) LastRequest(operationID string) (RecordedRequest, bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	reqs := mb.received[operationID]
	if len(reqs) == 0 {
		return RecordedRequest{}, false
	}
	return reqs[len(reqs)-1], true
}

// Package openapi loads and indexes OpenAPI specifications, providing
// operation lookup by operationId with parameter and schema resolution.
package openapi

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// SpecSource describes an OpenAPI spec file to load.
type SpecSource struct {
	ServiceID string
	BaseURL   string
	SpecPath  string
}

// IndexedOperation holds a resolved OpenAPI operation with its context.
type IndexedOperation struct {
	ServiceID    string
	OperationID  string
	Method       string
	PathTemplate string
	Parameters   []*openapi3.Parameter
	RequestBody  *openapi3.RequestBody
	Responses    *openapi3.Responses
	BaseURL      string
}

// QueryParams returns the names of the operation's declared query parameters.
func (op IndexedOperation) QueryParams() []string {
	var names []string
	for _, p := range op.Parameters {
		if p.In == openapi3.ParameterInQuery {
			names = append(names, p.Name)
		}
	}
	sort.Strings(names)
	return names
}

// HasQueryParam reports whether the operation declares the named query parameter.
func (op IndexedOperation) HasQueryParam(name string) bool {
	return slices.Contains(op.QueryParams(), name)
}

// PathParams returns the names of the operation's path parameters.
func (op IndexedOperation) PathParams() []string {
	var names []string
	for _, p := range op.Parameters {
		if p.In == openapi3.ParameterInPath {
			names = append(names, p.Name)
		}
	}
	return names
}

// ValidationError describes a schema validation error.
type ValidationError struct {
	Field   string
	Message string
}

// Index is an in-memory index of OpenAPI operations keyed by (serviceID, operationID).
// It is built once at startup and read-only afterwards.
type Index struct {
	operations map[string]IndexedOperation
	byService  map[string][]string
}

// NewIndex creates an empty OpenAPI index.
func NewIndex() *Index {
	return &Index{
		operations: make(map[string]IndexedOperation),
		byService:  make(map[string][]string),
	}
}

func operationKey(serviceID, operationID string) string {
	return serviceID + ":" + operationID
}

// Load parses OpenAPI specs from the given sources and indexes all operations.
func (idx *Index) Load(specs []SpecSource) error {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	for _, src := range specs {
		doc, err := loader.LoadFromFile(src.SpecPath)
		if err != nil {
			return fmt.Errorf("openapi: loading %s (%s): %w", src.ServiceID, src.SpecPath, err)
		}
		if err := idx.add(src.ServiceID, src.BaseURL, doc); err != nil {
			return err
		}
	}
	return nil
}

// LoadData indexes one spec held in memory.
func (idx *Index) LoadData(serviceID, baseURL string, data []byte) error {
	doc, err := openapi3.NewLoader().LoadFromData(data)
	if err != nil {
		return fmt.Errorf("openapi: parsing %s: %w", serviceID, err)
	}
	return idx.add(serviceID, baseURL, doc)
}

func (idx *Index) add(serviceID, baseURL string, doc *openapi3.T) error {
	if err := doc.Validate(context.Background()); err != nil {
		return fmt.Errorf("openapi: validating %s: %w", serviceID, err)
	}

	if baseURL == "" && len(doc.Servers) > 0 {
		baseURL = doc.Servers[0].URL
	}

	for path, pathItem := range doc.Paths.Map() {
		for method, op := range pathItem.Operations() {
			if op.OperationID == "" {
				continue
			}

			// Operation-level parameters override path-level ones of the same name.
			params := make([]*openapi3.Parameter, 0, len(pathItem.Parameters)+len(op.Parameters))
			for _, ref := range op.Parameters {
				if ref.Value != nil {
					params = append(params, ref.Value)
				}
			}
			for _, ref := range pathItem.Parameters {
				if ref.Value != nil && op.Parameters.GetByInAndName(ref.Value.In, ref.Value.Name) == nil {
					params = append(params, ref.Value)
				}
			}

			var reqBody *openapi3.RequestBody
			if op.RequestBody != nil && op.RequestBody.Value != nil {
				reqBody = op.RequestBody.Value
			}

			key := operationKey(serviceID, op.OperationID)
			if _, dup := idx.operations[key]; !dup {
				idx.byService[serviceID] = append(idx.byService[serviceID], op.OperationID)
			}
			idx.operations[key] = IndexedOperation{
				ServiceID:    serviceID,
				OperationID:  op.OperationID,
				Method:       strings.ToUpper(method),
				PathTemplate: path,
				Parameters:   params,
				RequestBody:  reqBody,
				Responses:    op.Responses,
				BaseURL:      baseURL,
			}
		}
	}
	return nil
}

// GetOperation returns the indexed operation for the given service and operation ID.
func (idx *Index) GetOperation(serviceID, operationID string) (IndexedOperation, bool) {
	op, ok := idx.operations[operationKey(serviceID, operationID)]
	return op, ok
}

// AllOperationIDs returns all operation IDs for the given service, sorted.
func (idx *Index) AllOperationIDs(serviceID string) []string {
	ids := slices.Clone(idx.byService[serviceID])
	sort.Strings(ids)
	return ids
}

// Services returns the indexed service IDs, sorted.
func (idx *Index) Services() []string {
	ids := make([]string, 0, len(idx.byService))
	for id := range idx.byService {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Loaded reports whether any operation has been indexed.
func (idx *Index) Loaded() bool {
	return len(idx.operations) > 0
}

// ValidateRequest validates a JSON request body against the operation's
// request schema. It returns nil when the body is valid or no schema is declared.
func (idx *Index) ValidateRequest(serviceID, operationID string, body map[string]any) []ValidationError {
	op, ok := idx.operations[operationKey(serviceID, operationID)]
	if !ok {
		return []ValidationError{{Message: fmt.Sprintf("operation %s/%s not found", serviceID, operationID)}}
	}
	if op.RequestBody == nil {
		return nil
	}
	mt := op.RequestBody.Content.Get("application/json")
	if mt == nil || mt.Schema == nil || mt.Schema.Value == nil {
		return nil
	}

	var value any = body
	if body == nil {
		value = map[string]any{}
	}
	err := mt.Schema.Value.VisitJSON(value, openapi3.MultiErrors())
	if err == nil {
		return nil
	}

	var errs []ValidationError
	var multi openapi3.MultiError
	if errors.As(err, &multi) {
		for _, e := range multi {
			errs = append(errs, toValidationError(e))
		}
		return errs
	}
	return []ValidationError{toValidationError(err)}
}

func toValidationError(err error) ValidationError {
	var se *openapi3.SchemaError
	if errors.As(err, &se) {
		field := strings.Join(se.JSONPointer(), ".")
		msg := se.Reason
		if msg == "" {
			msg = se.Error()
		}
		return ValidationError{Field: field, Message: msg}
	}
	return ValidationError{Message: err.Error()}
}

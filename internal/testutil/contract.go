// Package testutil provides shared test helpers: HTTP contract checks against
// api/openapi/openapi.yaml and testcontainers for Postgres, Redis and NATS.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"
)

const maxReportedBody = 200

// Contract checks dispatch API exchanges against the OpenAPI document.
type Contract struct {
	router routers.Router
}

// NewContract loads the document at path or fails the test.
func NewContract(t testing.TB, path string) *Contract {
	t.Helper()

	c, err := LoadContract(path)
	if err != nil {
		t.Fatalf("load API contract: %v", err)
	}
	return c
}

// LoadContract is NewContract for TestMain, where no testing.TB exists.
func LoadContract(path string) (*Contract, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}

	router, err := legacy.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("build router: %w", err)
	}
	return &Contract{router: router}, nil
}

// CheckRecorder is Check for a handler exercised through httptest.
func (c *Contract) CheckRecorder(t testing.TB, req *http.Request, rec *httptest.ResponseRecorder) {
	t.Helper()
	c.Check(t, req, rec.Code, rec.Header(), rec.Body.Bytes())
}

// Check validates one exchange. Every response must match its documented
// schema, and JSON error responses must carry a non-empty "error" field.
// Requests the service accepted (status below 400) must satisfy the documented
// parameters as well, so handlers never accept input the contract forbids.
func (c *Contract) Check(t testing.TB, req *http.Request, status int, header http.Header, body []byte) {
	t.Helper()

	// Route lookup matches on the path only; req may target a live server.
	lookup, err := http.NewRequest(req.Method, req.URL.RequestURI(), nil)
	if err != nil {
		t.Errorf("build lookup request: %v", err)
		return
	}
	lookup.Header = req.Header

	route, params, err := c.router.FindRoute(lookup)
	if err != nil {
		t.Errorf("%s %s is not documented: %v", req.Method, req.URL.Path, err)
		return
	}

	input := &openapi3filter.RequestValidationInput{
		Request:    lookup,
		PathParams: params,
		Route:      route,
		Options: &openapi3filter.Options{
			MultiError:         true,
			AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
		},
	}

	if status < http.StatusBadRequest {
		if err := openapi3filter.ValidateRequest(context.Background(), input); err != nil {
			t.Errorf("%s %s was accepted with %d but breaks the contract: %v",
				req.Method, req.URL.RequestURI(), status, err)
		}
	}

	err = openapi3filter.ValidateResponse(context.Background(), &openapi3filter.ResponseValidationInput{
		RequestValidationInput: input,
		Status:                 status,
		Header:                 header,
		Body:                   io.NopCloser(bytes.NewReader(body)),
		Options: &openapi3filter.Options{
			MultiError:            true,
			IncludeResponseStatus: true,
		},
	})
	if err != nil {
		t.Errorf("%s %s responded %d off contract: %v\nbody: %s",
			req.Method, req.URL.Path, status, err, excerpt(body))
	}

	if status >= http.StatusBadRequest && isJSON(header) {
		var envelope struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error == "" {
			t.Errorf("%s %s responded %d without an error message: %s",
				req.Method, req.URL.Path, status, excerpt(body))
		}
	}
}

func isJSON(header http.Header) bool {
	mediaType, _, err := mime.ParseMediaType(header.Get("Content-Type"))
	return err == nil && mediaType == "application/json"
}

func excerpt(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxReportedBody {
		return s[:maxReportedBody] + "..."
	}
	return s
}

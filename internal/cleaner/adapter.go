// Package cleaner runs rule-based normalization over raw rows and, when an
// adapter is configured, merges adapter-suggested corrections on top.
package cleaner

import (
	"context"

	"github.com/sells-group/loan-ingest/internal/normalize"
)

// Request is one row handed to an Adapter.
type Request struct {
	Row      map[string]string       `json:"row"`
	Mappings normalize.FieldMappings `json:"fieldMappings"`
}

// Response is an adapter's suggested cleaning of one row. Empty fields mean
// the adapter had no suggestion.
type Response struct {
	Phone       string   `json:"phone,omitempty"`
	Email       string   `json:"email,omitempty"`
	FullName    string   `json:"fullName,omitempty"`
	NRC         string   `json:"nrc,omitempty"`
	Address     string   `json:"address,omitempty"`
	Confidence  float64  `json:"confidence"`
	Warnings    []string `json:"warnings,omitempty"`
	FixedFields []string `json:"fixedFields,omitempty"`
}

// Adapter is an external cleaning service.
type Adapter interface {
	Clean(ctx context.Context, req Request) (*Response, error)
}

// Result is the outcome of one adapter call. A zero Result means the adapter
// was not called.
type Result struct {
	Response *Response
	Err      error
}

// OK reports whether the result carries a usable response.
func (r Result) OK() bool {
	return r.Err == nil && r.Response != nil
}

package athena

import (
	"errors"
	"fmt"
	"strings"
)

// ResourceScheme prefixes every resource link URI produced by the engine.
const ResourceScheme = "athena://"

var (
	ErrMissingResourceLink = errors.New("resource result has no resource_link content")
	ErrInvalidResourceURI  = errors.New("resource link uri is not an athena execution uri")
)

// ExtractError reports a well-formed envelope that lacks a usable resource link.
type ExtractError struct {
	URI string
	Err error
}

func (e *ExtractError) Error() string {
	if e.URI != "" {
		return fmt.Sprintf("athena: extract %q: %v", e.URI, e.Err)
	}
	return "athena: extract: " + e.Err.Error()
}

func (e *ExtractError) Unwrap() error { return e.Err }

// Extracted is implemented by Table, ExecutionRef and Pending.
type Extracted interface {
	extracted()
}

// Table holds rows returned inline.
type Table struct {
	Columns []string
	Rows    []Row
}

// ExecutionRef identifies a result set stored outside the response.
type ExecutionRef struct {
	ID   string
	Link ResourceLink
}

// Pending signals that the query has not finished yet. It is not an error.
type Pending struct{}

func (Table) extracted()        {}
func (ExecutionRef) extracted() {}
func (Pending) extracted()      {}

// Extract dereferences the envelope's result into inline rows, an execution id, or a
// pending signal. For resource results the first resource link wins.
func Extract(env *Envelope) (Extracted, error) {
	if env == nil || env.Result == nil {
		return nil, &DecodeError{Reason: "envelope has no result"}
	}

	switch r := env.Result.(type) {
	case *InlineResult:
		return Table{Columns: r.Columns, Rows: r.Rows}, nil
	case *PendingResult:
		return Pending{}, nil
	case *ResourceResult:
		for _, item := range r.Content {
			link, ok := item.(ResourceLinkContent)
			if !ok {
				continue
			}
			id, err := ExecutionID(link.Resource.URI)
			if err != nil {
				return nil, err
			}
			return ExecutionRef{ID: id, Link: link.Resource}, nil
		}
		return nil, &ExtractError{Err: ErrMissingResourceLink}
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("unsupported result %T", env.Result)}
	}
}

// ExecutionID strips the athena:// scheme from uri.
func ExecutionID(uri string) (string, error) {
	id, ok := strings.CutPrefix(strings.TrimSpace(uri), ResourceScheme)
	if !ok || strings.TrimSpace(id) == "" || strings.Contains(id, "/") {
		return "", &ExtractError{URI: uri, Err: ErrInvalidResourceURI}
	}
	return id, nil
}

// PreviewRows returns the rows of the first json content item regardless of the result
// variant. Pending results and results without json content yield no rows.
func PreviewRows(env *Envelope) []Row {
	if env == nil {
		return nil
	}
	var items []ContentItem
	switch r := env.Result.(type) {
	case *InlineResult:
		return r.Rows
	case *ResourceResult:
		items = r.Content
	}
	for _, item := range items {
		if jc, ok := item.(JSONContent); ok {
			return jc.Payload.Rows
		}
	}
	return nil
}

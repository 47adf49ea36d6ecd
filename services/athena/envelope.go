package athena

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ResultKind is the type tag carried by structuredContent.result.
type ResultKind string

const (
	ResultInline   ResultKind = "inline"
	ResultResource ResultKind = "resource"
	ResultPending  ResultKind = "pending"
)

const (
	contentJSON         = "json"
	contentResourceLink = "resource_link"
)

// ErrDecode is matched by every *DecodeError.
var ErrDecode = errors.New("athena: malformed response envelope")

// DecodeError reports an envelope that could not be decoded into a known result variant.
// Raw holds the payload exactly as received from the transport.
type DecodeError struct {
	Reason string
	Raw    []byte
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("athena: decode envelope: %s: %v", e.Reason, e.Err)
	}
	return "athena: decode envelope: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// EngineError is returned when the engine answered with a JSON-RPC error or a tool
// result flagged with isError.
type EngineError struct {
	Code    int
	Message string
}

func (e *EngineError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("athena: engine error %d: %s", e.Code, e.Message)
	}
	return "athena: engine error: " + e.Message
}

// Row is a single result row keyed by column name. Numbers are kept as json.Number.
type Row = map[string]any

// Envelope is a decoded run_query response.
type Envelope struct {
	JSONRPC string
	ID      json.RawMessage
	// Text holds the human readable text content items the tool returned alongside
	// the structured result.
	Text   []string
	Result Result
}

// Result is implemented by InlineResult, ResourceResult and PendingResult.
type Result interface {
	Kind() ResultKind
}

// InlineResult carries the full row set in the response body.
type InlineResult struct {
	Columns  []string
	Rows     []Row
	RowCount int
	Content  []ContentItem
}

func (*InlineResult) Kind() ResultKind { return ResultInline }

// ResourceResult points at rows materialized outside the response body.
type ResourceResult struct {
	Content []ContentItem
}

func (*ResourceResult) Kind() ResultKind { return ResultResource }

// PendingResult means the query is still executing on the engine.
type PendingResult struct{}

func (*PendingResult) Kind() ResultKind { return ResultPending }

// ContentItem is implemented by JSONContent and ResourceLinkContent.
type ContentItem interface {
	contentType() string
}

// JSONContent embeds a result payload (full rows or a preview).
type JSONContent struct {
	Payload ResultPayload
}

func (JSONContent) contentType() string { return contentJSON }

// ResourceLinkContent references a materialized result set.
type ResourceLinkContent struct {
	Resource ResourceLink
}

func (ResourceLinkContent) contentType() string { return contentResourceLink }

// unrecognizedContent stands in for content kinds added by newer engines. It never
// leaves the decoder.
type unrecognizedContent struct {
	tag string
}

func (u unrecognizedContent) contentType() string { return u.tag }

// ResultPayload is the body of a json content item.
type ResultPayload struct {
	QueryExecutionID string   `json:"query_execution_id"`
	Columns          []string `json:"columns"`
	Rows             []Row    `json:"rows"`
	BytesScanned     int64    `json:"bytes_scanned"`
	ExecutionTimeMS  int64    `json:"execution_time_ms"`
	Truncated        bool     `json:"truncated"`
	IsPreview        bool     `json:"is_preview"`
	IsComplete       bool     `json:"is_complete"`
	TotalRows        *int64   `json:"total_rows"`
	TotalRowsKnown   bool     `json:"total_rows_known"`
	Message          string   `json:"message"`
}

// ResourceLink locates a result set, e.g. athena://e7784bbb-024a-45c9-a025-db0b25c141bb.
type ResourceLink struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description"`
	MimeType    string `json:"mimeType"`
}

type wireEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  *wireResult     `json:"result"`
	Error   *wireRPCError   `json:"error"`
}

type wireRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type wireResult struct {
	Content           []wireText      `json:"content"`
	StructuredContent *wireStructured `json:"structuredContent"`
	IsError           bool            `json:"isError"`
}

type wireText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type wireStructured struct {
	Result *wireQueryResult `json:"result"`
}

type wireQueryResult struct {
	Type    string            `json:"type"`
	Content []json.RawMessage `json:"content"`
}

type wireContentItem struct {
	Type     string          `json:"type"`
	JSON     json.RawMessage `json:"json"`
	Resource *ResourceLink   `json:"resource"`
	URI      string          `json:"uri"`
	Name     string          `json:"name"`
	MimeType string          `json:"mimeType"`
}

// Parse decodes a raw transport payload, plain JSON or event-stream framed, into an Envelope.
// It never panics on malformed input; every failure is a *DecodeError or *EngineError.
func Parse(raw []byte) (env *Envelope, err error) {
	defer func() {
		if r := recover(); r != nil {
			env = nil
			err = &DecodeError{Reason: fmt.Sprintf("panic: %v", r), Raw: raw}
		}
	}()

	doc := raw
	if isEventStream(raw) {
		doc = unframe(raw)
		if len(doc) == 0 {
			return nil, &DecodeError{Reason: "event stream carried no data", Raw: raw}
		}
	}
	if len(bytes.TrimSpace(doc)) == 0 {
		return nil, &DecodeError{Reason: "empty payload", Raw: raw}
	}

	var wire wireEnvelope
	if err := decodeJSON(doc, &wire); err != nil {
		return nil, &DecodeError{Reason: "invalid json", Raw: raw, Err: err}
	}
	if wire.Error != nil {
		return nil, &EngineError{Code: wire.Error.Code, Message: wire.Error.Message}
	}
	if wire.Result == nil {
		return nil, &DecodeError{Reason: "missing result", Raw: raw}
	}

	env = &Envelope{JSONRPC: wire.JSONRPC, ID: wire.ID}
	for _, c := range wire.Result.Content {
		if c.Type == "text" && c.Text != "" {
			env.Text = append(env.Text, c.Text)
		}
	}
	if wire.Result.IsError {
		msg := strings.Join(env.Text, "; ")
		if msg == "" {
			msg = "tool reported an error"
		}
		return nil, &EngineError{Message: msg}
	}

	sc := wire.Result.StructuredContent
	if sc == nil || sc.Result == nil {
		return nil, &DecodeError{Reason: "missing structuredContent.result", Raw: raw}
	}

	result, reason, err := decodeResult(sc.Result)
	if reason != "" {
		return nil, &DecodeError{Reason: reason, Raw: raw, Err: err}
	}
	env.Result = result
	return env, nil
}

func decodeResult(w *wireQueryResult) (Result, string, error) {
	switch ResultKind(w.Type) {
	case ResultPending:
		return &PendingResult{}, "", nil
	case ResultResource:
		if w.Content == nil {
			return nil, "resource result without content", nil
		}
		items, reason, err := decodeContent(w.Content)
		if reason != "" {
			return nil, reason, err
		}
		return &ResourceResult{Content: items}, "", nil
	case ResultInline:
		items, reason, err := decodeContent(w.Content)
		if reason != "" {
			return nil, reason, err
		}
		for _, item := range items {
			jc, ok := item.(JSONContent)
			if !ok {
				continue
			}
			count := len(jc.Payload.Rows)
			if jc.Payload.TotalRows != nil && *jc.Payload.TotalRows > int64(count) {
				count = int(*jc.Payload.TotalRows)
			}
			return &InlineResult{
				Columns:  jc.Payload.Columns,
				Rows:     jc.Payload.Rows,
				RowCount: count,
				Content:  items,
			}, "", nil
		}
		return nil, "inline result without json content", nil
	case "":
		return nil, "missing result type", nil
	default:
		return nil, fmt.Sprintf("unknown result type %q", w.Type), nil
	}
}

func decodeContent(raw []json.RawMessage) ([]ContentItem, string, error) {
	items := make([]ContentItem, 0, len(raw))
	for i, r := range raw {
		item, err := decodeContentItem(r)
		if err != nil {
			return nil, fmt.Sprintf("content[%d]", i), err
		}
		if _, skip := item.(unrecognizedContent); skip {
			continue
		}
		items = append(items, item)
	}
	return items, "", nil
}

func decodeContentItem(raw json.RawMessage) (ContentItem, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &tag); err != nil {
		return unrecognizedContent{}, nil
	}

	switch tag.Type {
	case contentJSON:
		var w wireContentItem
		if err := decodeJSON(raw, &w); err != nil {
			return nil, err
		}
		if len(w.JSON) == 0 || string(w.JSON) == "null" {
			return nil, errors.New("json item without payload")
		}
		var payload ResultPayload
		if err := decodeJSON(w.JSON, &payload); err != nil {
			return nil, fmt.Errorf("json payload: %w", err)
		}
		return JSONContent{Payload: payload}, nil
	case contentResourceLink:
		var w wireContentItem
		if err := decodeJSON(raw, &w); err != nil {
			return nil, err
		}
		link := ResourceLink{URI: w.URI, Name: w.Name, MimeType: w.MimeType}
		if w.Resource != nil {
			link = *w.Resource
		}
		if link.URI == "" {
			return nil, errors.New("resource_link item without uri")
		}
		return ResourceLinkContent{Resource: link}, nil
	default:
		return unrecognizedContent{tag: tag.Type}, nil
	}
}

func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("trailing data after json document")
	}
	return nil
}

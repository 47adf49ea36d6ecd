package athena

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const inlineEnvelope = `{
  "jsonrpc": "2.0",
  "id": 1,
  "result": {
    "content": [{"type": "text", "text": "3 rows"}],
    "structuredContent": {
      "result": {
        "type": "inline",
        "content": [
          {"type": "json", "json": {
            "query_execution_id": "exec-9",
            "columns": ["casenumber", "priority", "score"],
            "rows": [
              {"casenumber": "0001", "priority": "High", "score": 12.5},
              {"casenumber": "0002", "priority": "Low", "score": 7},
              {"casenumber": "0003", "priority": null, "score": 123456789012345678}
            ],
            "total_rows": 3
          }}
        ]
      }
    },
    "isError": false
  }
}`

const resourceEnvelope = `{"jsonrpc":"2.0","id":2,"result":{"structuredContent":{"result":{"type":"resource","content":[
  {"type":"json","json":{"rows":[{"casenumber":"0001"}],"is_preview":true}},
  {"type":"resource_link","resource":{"uri":"athena://exec-123","name":"query_results_exec-123.csv","mimeType":"text/csv"}}
]}}}}`

func TestParseInlineRoundTripsRows(t *testing.T) {
	env, err := Parse([]byte(inlineEnvelope))
	require.NoError(t, err)
	require.Equal(t, []string{"3 rows"}, env.Text)

	inline, ok := env.Result.(*InlineResult)
	require.True(t, ok, "result = %T, want *InlineResult", env.Result)
	assert.Equal(t, []string{"casenumber", "priority", "score"}, inline.Columns)
	assert.Equal(t, 3, inline.RowCount)

	var original struct {
		Result struct {
			StructuredContent struct {
				Result struct {
					Content []struct {
						JSON struct {
							Rows json.RawMessage `json:"rows"`
						} `json:"json"`
					} `json:"content"`
				} `json:"result"`
			} `json:"structuredContent"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(inlineEnvelope), &original))

	reencoded, err := json.Marshal(inline.Rows)
	require.NoError(t, err)
	assert.JSONEq(t, string(original.Result.StructuredContent.Result.Content[0].JSON.Rows), string(reencoded))
}

func TestParseEventStreamMatchesPlainJSON(t *testing.T) {
	compact := strings.ReplaceAll(resourceEnvelope, "\n", "")
	half := len(compact) / 2

	tests := []struct {
		name    string
		payload string
	}{
		{
			name:    "single data line",
			payload: "event: message\ndata: " + compact + "\n\n",
		},
		{
			name:    "split across data lines with sentinel",
			payload: "id: 7\nevent: message\ndata: " + compact[:half] + "\ndata:" + compact[half:] + "\n\ndata: [DONE]\n",
		},
		{
			name:    "crlf and blank data lines",
			payload: "event: message\r\ndata:\r\ndata: " + compact + "\r\n\r\n",
		},
	}

	want, err := Parse([]byte(resourceEnvelope))
	require.NoError(t, err)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse([]byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestParseDecodeErrors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{name: "sentinel only", payload: "data: [DONE]\n"},
		{name: "bare sentinel", payload: "[DONE]"},
		{name: "empty", payload: "   "},
		{name: "not json", payload: "<html>bad gateway</html>"},
		{name: "missing result", payload: `{"jsonrpc":"2.0","id":1}`},
		{name: "missing structured content", payload: `{"jsonrpc":"2.0","id":1,"result":{"content":[]}}`},
		{name: "missing type tag", payload: `{"result":{"structuredContent":{"result":{"content":[]}}}}`},
		{name: "unknown type tag", payload: `{"result":{"structuredContent":{"result":{"type":"streaming","content":[]}}}}`},
		{name: "resource without content", payload: `{"result":{"structuredContent":{"result":{"type":"resource"}}}}`},
		{name: "inline without json item", payload: `{"result":{"structuredContent":{"result":{"type":"inline","content":[]}}}}`},
		{name: "json item without payload", payload: `{"result":{"structuredContent":{"result":{"type":"inline","content":[{"type":"json"}]}}}}`},
		{name: "resource link without uri", payload: `{"result":{"structuredContent":{"result":{"type":"resource","content":[{"type":"resource_link","resource":{}}]}}}}`},
		{name: "stray closing brace", payload: `{"result":{"structuredContent":{"result":{"type":"pending"}}}}}`},
		{name: "stray closing bracket", payload: `{"result":{"structuredContent":{"result":{"type":"pending"}}}}]`},
		{name: "second document", payload: `{"result":{"structuredContent":{"result":{"type":"pending"}}}} {}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Parse([]byte(tt.payload))
			require.Error(t, err)
			assert.Nil(t, env)
			assert.ErrorIs(t, err, ErrDecode)

			var decodeErr *DecodeError
			require.ErrorAs(t, err, &decodeErr)
			assert.Equal(t, []byte(tt.payload), decodeErr.Raw)
		})
	}
}

func TestParseEngineErrors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{
			name:    "json-rpc error",
			payload: `{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"invalid params"}}`,
			want:    "invalid params",
		},
		{
			name:    "tool error",
			payload: `{"jsonrpc":"2.0","id":1,"result":{"content":[{"type":"text","text":"SYNTAX_ERROR: line 1:8"}],"isError":true}}`,
			want:    "SYNTAX_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.payload))
			var engineErr *EngineError
			require.ErrorAs(t, err, &engineErr)
			assert.Contains(t, engineErr.Error(), tt.want)
			assert.False(t, errors.Is(err, ErrDecode))
		})
	}
}

func TestParseDropsUnknownContentAndFields(t *testing.T) {
	unknown := []struct {
		name string
		item string
	}{
		{name: "harmless extra fields", item: `{"type":"chart","spec":{}}`},
		{name: "object where name is a string", item: `{"type":"chart","name":{"en":"Chart"}}`},
		{name: "string where resource is an object", item: `{"type":"embedded","resource":"inline-blob"}`},
		{name: "number where uri is a string", item: `{"type":"future","uri":42}`},
		{name: "non-object item", item: `"hello"`},
		{name: "null item", item: `null`},
		{name: "array item", item: `[1,2]`},
		{name: "non-string tag", item: `{"type":7}`},
	}

	for _, tt := range unknown {
		t.Run(tt.name, func(t *testing.T) {
			payload := `{"jsonrpc":"2.0","id":"abc","extra":{"x":1},"result":{"structuredContent":{"result":{"type":"resource","hint":"new","content":[
	  ` + tt.item + `,
	  {"type":"resource_link","resource":{"uri":"athena://exec-1"},"annotations":{"audience":["user"]}}
	]}}}}`

			env, err := Parse([]byte(payload))
			require.NoError(t, err)

			res, ok := env.Result.(*ResourceResult)
			require.True(t, ok)
			require.Len(t, res.Content, 1)
			assert.Equal(t, ResourceLinkContent{Resource: ResourceLink{URI: "athena://exec-1"}}, res.Content[0])

			extracted, err := Extract(env)
			require.NoError(t, err)
			assert.Equal(t, "exec-1", extracted.(ExecutionRef).ID)
		})
	}
}

func TestParseFlatResourceLink(t *testing.T) {
	payload := `{"result":{"structuredContent":{"result":{"type":"resource","content":[
	  {"type":"resource_link","uri":"athena://exec-flat","name":"out.csv","mimeType":"text/csv"}
	]}}}}`

	env, err := Parse([]byte(payload))
	require.NoError(t, err)

	res := env.Result.(*ResourceResult)
	require.Len(t, res.Content, 1)
	link := res.Content[0].(ResourceLinkContent)
	assert.Equal(t, "athena://exec-flat", link.Resource.URI)
	assert.Equal(t, "out.csv", link.Resource.Name)
}

func TestParsePending(t *testing.T) {
	env, err := Parse([]byte(`data: {"jsonrpc":"2.0","id":1,"result":{"structuredContent":{"result":{"type":"pending"}}}}` + "\n\ndata: [DONE]\n"))
	require.NoError(t, err)
	assert.Equal(t, ResultPending, env.Result.Kind())
}

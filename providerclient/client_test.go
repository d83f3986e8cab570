package providerclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestListToolsParsesSchemas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req listToolsRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		require.Equal(t, "tools/list", req.Method)
		_ = json.NewEncoder(w).Encode(listToolsResponse{Tools: []wireTool{
			{Name: "lookup", Description: "look things up", Parameters: map[string]any{"type": "object"}, AllowedRoles: []string{"user"}},
		}})
	}))
	defer srv.Close()

	c := New("alpha", srv.URL)
	schemas, err := c.ListTools(t.Context())
	require.NoError(t, err)
	require.Len(t, schemas, 1)
	require.Equal(t, "lookup", schemas[0].Name)
	require.Equal(t, "alpha", schemas[0].ProviderID)
	require.Equal(t, []string{"user"}, schemas[0].AllowedRoles)
}

func TestCallToolReturnsToolLevelError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(callToolResponse{Error: &wireToolError{Message: "bad", Kind: "ValueError"}})
	}))
	defer srv.Close()

	c := New("alpha", srv.URL)
	result, toolErr, err := c.CallTool(t.Context(), "lookup", map[string]any{"x": "foo"})
	require.NoError(t, err)
	require.Nil(t, result)
	require.NotNil(t, toolErr)
	require.Equal(t, "bad", toolErr.Message)
}

func TestCallToolTransportErrorOn5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New("alpha", srv.URL)
	_, _, err := c.CallTool(t.Context(), "lookup", nil)
	require.Error(t, err)
	require.Equal(t, Retry, Classify(err))
}

func TestCallToolSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req callToolRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		require.Equal(t, "lookup", req.Params.Name)
		_ = json.NewEncoder(w).Encode(callToolResponse{Result: map[string]any{"value": float64(42)}})
	}))
	defer srv.Close()

	c := New("alpha", srv.URL)
	result, toolErr, err := c.CallTool(t.Context(), "lookup", map[string]any{"x": "foo"})
	require.NoError(t, err)
	require.Nil(t, toolErr)
	require.Equal(t, map[string]any{"value": float64(42)}, result)
}

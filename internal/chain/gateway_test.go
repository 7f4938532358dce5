package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func jsonRPCServer(t *testing.T, handler func(method string) interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		result := handler(req.Method)
		resp := map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  result,
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func TestGetLamports(t *testing.T) {
	srv := jsonRPCServer(t, func(method string) interface{} {
		require.Equal(t, "getBalance", method)
		return map[string]interface{}{"value": 1500000000}
	})
	defer srv.Close()

	gw, err := New(Config{PrimaryURL: srv.URL})
	require.NoError(t, err)

	lamports, err := gw.GetLamports(context.Background(), "addr1")
	require.NoError(t, err)
	require.EqualValues(t, 1500000000, lamports)
}

func TestGetSlotTracksHealth(t *testing.T) {
	srv := jsonRPCServer(t, func(method string) interface{} {
		require.Equal(t, "getSlot", method)
		return 12345
	})
	defer srv.Close()

	gw, err := New(Config{PrimaryURL: srv.URL})
	require.NoError(t, err)

	slot, err := gw.GetSlot(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 12345, slot)
	require.NoError(t, gw.Health(context.Background()))
}

func TestGetSignatureStatusStates(t *testing.T) {
	cases := []struct {
		name     string
		result   map[string]interface{}
		expected SignatureState
	}{
		{"not found", map[string]interface{}{"value": []interface{}{nil}}, SignatureNotFound},
		{"confirmed", map[string]interface{}{"value": []interface{}{map[string]interface{}{"confirmationStatus": "confirmed", "slot": 10}}}, SignatureConfirmed},
		{"finalized", map[string]interface{}{"value": []interface{}{map[string]interface{}{"confirmationStatus": "finalized", "slot": 11}}}, SignatureFinalized},
		{"failed", map[string]interface{}{"value": []interface{}{map[string]interface{}{"err": map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}}}}}, SignatureFailed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := jsonRPCServer(t, func(method string) interface{} {
				require.Equal(t, "getSignatureStatuses", method)
				return tc.result
			})
			defer srv.Close()

			gw, err := New(Config{PrimaryURL: srv.URL})
			require.NoError(t, err)

			status, err := gw.GetSignatureStatus(context.Background(), "sig1")
			require.NoError(t, err)
			require.Equal(t, tc.expected, status.State)
		})
	}
}

func TestFallbackEndpointUsedAfterPrimaryFails(t *testing.T) {
	fallback := jsonRPCServer(t, func(method string) interface{} {
		return map[string]interface{}{"value": 42}
	})
	defer fallback.Close()

	gw, err := New(Config{PrimaryURL: "http://127.0.0.1:0", FallbackURL: fallback.URL})
	require.NoError(t, err)

	lamports, err := gw.GetLamports(context.Background(), "addr1")
	require.NoError(t, err)
	require.EqualValues(t, 42, lamports)
}

func TestNewRejectsMissingPrimaryURL(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

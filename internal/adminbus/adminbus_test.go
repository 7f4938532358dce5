package adminbus

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn
}

func newTestServer(t *testing.T, secret string) (*httptest.Server, *Bus) {
	t.Helper()
	bus := New(Config{JWTSecret: secret}, nil)
	require.NoError(t, bus.Start(context.Background()))
	return httptest.NewServer(http.HandlerFunc(bus.ServeHTTP)), bus
}

func TestAuthSuccessViaQueryToken(t *testing.T) {
	secret := "test-secret"
	srv, bus := newTestServer(t, secret)
	defer srv.Close()
	defer bus.Stop(context.Background())

	token := signToken(t, secret, jwt.MapClaims{"sub": "operator-1", "role": "admin"})
	conn := dial(t, srv, "?token="+token)
	defer conn.Close()

	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	require.Equal(t, "auth_success", env.Type)

	var payload struct {
		IsAdmin bool `json:"isAdmin"`
	}
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	require.True(t, payload.IsAdmin)
}

func TestAuthRejectsMissingToken(t *testing.T) {
	secret := "test-secret"
	srv, bus := newTestServer(t, secret)
	defer srv.Close()
	defer bus.Stop(context.Background())

	conn := dial(t, srv, "")
	defer conn.Close()
	// No ?token= in the URL, and the first-message fallback carries none either.
	require.NoError(t, conn.WriteJSON(Envelope{Type: "auth"}))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	require.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestPublishDeliversToSubscribedChannel(t *testing.T) {
	secret := "test-secret"
	srv, bus := newTestServer(t, secret)
	defer srv.Close()
	defer bus.Stop(context.Background())

	token := signToken(t, secret, jwt.MapClaims{"sub": "u1", "role": "user"})
	conn := dial(t, srv, "?token="+token)
	defer conn.Close()

	var authEnv Envelope
	require.NoError(t, conn.ReadJSON(&authEnv))

	require.NoError(t, conn.WriteJSON(Envelope{Type: "subscribe", Channel: ChannelTransactions}))

	require.Eventually(t, func() bool {
		bus.Publish(ChannelTransactions, map[string]string{"signature": "sig1"})
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return false
		}
		return env.Type == "event" && env.Channel == ChannelTransactions
	}, 2*time.Second, 50*time.Millisecond)
}

func TestNonAdminCannotSubscribeToJobStatus(t *testing.T) {
	secret := "test-secret"
	srv, bus := newTestServer(t, secret)
	defer srv.Close()
	defer bus.Stop(context.Background())

	token := signToken(t, secret, jwt.MapClaims{"sub": "u1", "role": "user"})
	conn := dial(t, srv, "?token="+token)
	defer conn.Close()

	var authEnv Envelope
	require.NoError(t, conn.ReadJSON(&authEnv))
	require.NoError(t, conn.WriteJSON(Envelope{Type: "subscribe", Channel: ChannelJobStatus}))

	bus.Publish(ChannelJobStatus, map[string]string{"job": "flywheel"})
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	require.Error(t, err) // no event delivered: subscription was never authorized
}

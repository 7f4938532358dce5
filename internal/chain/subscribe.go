package chain

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/flywheel-engine/engine/internal/core"
)

// LogSubscription is a live logsSubscribe stream. Callers range over
// Notifications until the subscription's context is cancelled or Close is
// called; session errors trigger a reconnect and do not end the stream.
type LogSubscription struct {
	Notifications <-chan LogNotification
	subID         atomic.Int64
	cancel        context.CancelFunc
	errCh         chan error
}

// Err returns the oldest session error not yet read, if any. Only one error
// is held; later errors are dropped until it is read.
func (s *LogSubscription) Err() error {
	select {
	case err := <-s.errCh:
		return err
	default:
		return nil
	}
}

// Close tears down the subscription's connection.
func (s *LogSubscription) Close() {
	s.cancel()
}

// SubscribeLogs opens a dedicated websocket connection filtered to logs
// mentioning any of the given addresses, at commitment "confirmed". The
// connection reconnects with exponential backoff (1s, 2s, 4s, … capped at
// 60s) and re-issues the subscription on every reconnect, per spec.md §4.7's
// connection-management contract.
func (g *Gateway) SubscribeLogs(ctx context.Context, wsURL string, mentions []string) (*LogSubscription, error) {
	if wsURL == "" {
		return nil, &core.ConfigInvalidError{Field: "RPC_WS_URL", Reason: "required"}
	}
	subCtx, cancel := context.WithCancel(ctx)
	notifications := make(chan LogNotification, 256)
	errCh := make(chan error, 1)

	go runSubscriptionLoop(subCtx, wsURL, mentions, notifications, errCh)

	return &LogSubscription{
		Notifications: notifications,
		cancel:        cancel,
		errCh:         errCh,
	}, nil
}

func runSubscriptionLoop(ctx context.Context, wsURL string, mentions []string, out chan<- LogNotification, errCh chan<- error) {
	defer close(out)

	backoff := time.Second
	const maxBackoff = 60 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}
		if err := runSubscriptionSession(ctx, wsURL, mentions, out); err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			select {
			case errCh <- err:
			default:
			}
		} else {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func runSubscriptionSession(ctx context.Context, wsURL string, mentions []string, out chan<- LogNotification) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return &core.NetworkUnreachableError{Endpoint: wsURL, Err: err}
	}
	defer conn.Close()

	sub := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "logsSubscribe",
		Params: []interface{}{
			map[string]interface{}{"mentions": mentions},
			map[string]string{"commitment": "confirmed"},
		},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("write subscribe request: %w", err)
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		keepalive(ctx, conn, done)
	}()
	defer func() {
		close(done)
		wg.Wait()
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}
		notif, ok := parseLogNotification(raw)
		if !ok {
			continue
		}
		select {
		case out <- notif:
		case <-ctx.Done():
			return nil
		}
	}
}

func keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func parseLogNotification(raw []byte) (LogNotification, bool) {
	value := gjson.ParseBytes(raw)
	params := value.Get("params.result.value")
	if !params.Exists() {
		return LogNotification{}, false
	}
	notif := LogNotification{
		Signature: params.Get("signature").String(),
	}
	if errField := params.Get("err"); errField.Exists() && errField.Value() != nil {
		notif.Err = errField.Raw
	}
	for _, line := range params.Get("logs").Array() {
		notif.Logs = append(notif.Logs, line.String())
	}
	return notif, true
}

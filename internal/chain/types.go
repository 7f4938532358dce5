package chain

import "encoding/json"

// rpcRequest is a JSON-RPC 2.0 request envelope.
type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

// rpcResponse is a JSON-RPC 2.0 response envelope.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// SignatureState is the confirmation status of a broadcast transaction.
type SignatureState string

const (
	SignaturePending    SignatureState = "pending"
	SignatureConfirmed  SignatureState = "confirmed"
	SignatureFinalized  SignatureState = "finalized"
	SignatureFailed     SignatureState = "failed"
	SignatureNotFound   SignatureState = "not-found"
)

// SignatureStatus reports the confirmation state of one signature.
type SignatureStatus struct {
	State       SignatureState
	FailReason  string
	Slot        uint64
}

// BlockhashInfo carries a recent blockhash and the slot height it remains
// valid until, used by C4 to rebuild transactions on every attempt.
type BlockhashInfo struct {
	Hash              string
	ValidUntilHeight  uint64
}

// ParsedTx is the subset of a confirmed transaction's contents the engine
// inspects: who paid fees, and how their SOL/token balances changed.
type ParsedTx struct {
	Signature      string
	FeePayer       string
	Err            string
	LamportDelta   map[string]int64
	TokenDeltas    map[string]map[string]int64 // account -> mint -> delta (native units)
	LogMessages    []string
}

// LogNotification is one message delivered over a logsSubscribe stream.
type LogNotification struct {
	Signature string
	Err       string
	Logs      []string
}

package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		transient bool
		permanent bool
	}{
		{"transient rpc", &TransientRPCError{Op: "getSlot", Err: errors.New("timeout")}, true, false},
		{"blockhash expired", &BlockhashExpiredError{Signature: "sig1"}, true, false},
		{"permanent program", &PermanentProgramError{Reason: "insufficient liquidity"}, false, true},
		{"insufficient funds", &InsufficientFundsError{KeyID: "ops-1", Required: 1, Available: 0.1}, false, true},
		{"signer refused", &SignerRefusedError{KeyID: "dev-1", Reason: "fee payer mismatch"}, false, true},
		{"venue quote stale", &VenueQuoteStaleError{Mint: "mint1"}, true, false},
		{"network unreachable", &NetworkUnreachableError{Endpoint: "rpc1", Err: errors.New("dial refused")}, true, false},
		{"config invalid", &ConfigInvalidError{Field: "slippageBps", Reason: "negative"}, false, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.transient, IsTransient(tc.err))
			assert.Equal(t, tc.permanent, IsPermanent(tc.err))
		})
	}
}

func TestNotFoundAndWrap(t *testing.T) {
	err := NewNotFoundError("token", "tok-1")
	assert.True(t, IsNotFound(err))

	wrapped := Wrap("registry", "GetToken", err)
	assert.True(t, IsNotFound(wrapped))
	assert.Contains(t, wrapped.Error(), "registry.GetToken")

	assert.Nil(t, Wrap("registry", "GetToken", nil))
}

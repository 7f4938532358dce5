package signer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flywheel-engine/engine/internal/core"
	"github.com/flywheel-engine/engine/internal/venue"
)

func TestLocalSignerSignsKnownKey(t *testing.T) {
	s := NewLocalSigner(map[string]string{"dev-1": "addrDev1"})
	signed, err := s.Sign(context.Background(), venue.UnsignedTx{Raw: []byte("tx-bytes")}, "dev-1")
	require.NoError(t, err)
	require.Contains(t, string(signed.Raw), "tx-bytes")
}

func TestLocalSignerRejectsUnknownKey(t *testing.T) {
	s := NewLocalSigner(map[string]string{"dev-1": "addrDev1"})
	_, err := s.Sign(context.Background(), venue.UnsignedTx{Raw: []byte("tx-bytes")}, "unknown")
	require.Error(t, err)
}

func TestDelegatedSignerAcceptsMatchingEcho(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"signedTxBytes": "c2lnbmVk", "feePayer": "fp1", "recentBlockhash": "bh1", "instructionSetHash": "ih1"}`))
	}))
	defer srv.Close()

	s := NewDelegatedSigner(Config{BaseURL: srv.URL})
	unsigned := venue.UnsignedTx{Raw: []byte("raw"), FeePayer: "fp1", RecentBlockhash: "bh1", InstructionSetHash: "ih1"}

	signed, err := s.Sign(context.Background(), unsigned, "dev-1")
	require.NoError(t, err)
	require.Equal(t, "c2lnbmVk", string(signed.Raw))
}

func TestDelegatedSignerRejectsMismatchedFeePayer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"signedTxBytes": "c2lnbmVk", "feePayer": "tampered", "recentBlockhash": "bh1", "instructionSetHash": "ih1"}`))
	}))
	defer srv.Close()

	s := NewDelegatedSigner(Config{BaseURL: srv.URL})
	unsigned := venue.UnsignedTx{Raw: []byte("raw"), FeePayer: "fp1", RecentBlockhash: "bh1", InstructionSetHash: "ih1"}

	_, err := s.Sign(context.Background(), unsigned, "dev-1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "fee payer mismatch")
}

func TestDelegatedSignerPropagatesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewDelegatedSigner(Config{BaseURL: srv.URL})
	_, err := s.Sign(context.Background(), venue.UnsignedTx{}, "dev-1")
	require.Error(t, err)
	require.True(t, core.IsTransient(err))
}

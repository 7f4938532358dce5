package venue

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T, curveGraduated, poolGraduated bool) (*Adapter, *httptest.Server, *httptest.Server) {
	t.Helper()
	curve := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/tokenMeta/"):
			w.Write([]byte(`{"graduated": false}`))
		case r.URL.Path == "/quote":
			w.Write([]byte(`{"outputAmount": 1000, "source": "curve"}`))
		case r.URL.Path == "/buildClaim":
			w.Write([]byte(`{"txs": ["dGVzdA=="]}`))
		case strings.HasPrefix(r.URL.Path, "/claimable/"):
			w.Write([]byte(`{"positions": [{"tokenMint": "mint1", "claimableSol": 0.5}]}`))
		default:
			w.Write([]byte(`{}`))
		}
	}))
	pool := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"outputAmount": 2000, "source": "pool"}`))
	}))

	a := New(Config{CurveBaseURL: curve.URL, PoolBaseURL: pool.URL})
	return a, curve, pool
}

func TestQuoteRoutesToCurveWhenNotGraduated(t *testing.T) {
	a, curve, pool := newTestAdapter(t, false, false)
	defer curve.Close()
	defer pool.Close()

	q, err := a.Quote(context.Background(), "mint1", RouteAuto, SideBuy, 1_000_000, 50)
	require.NoError(t, err)
	require.EqualValues(t, 1000, q.OutputAmount)
}

func TestQuoteForcesRouteOverride(t *testing.T) {
	a, curve, pool := newTestAdapter(t, false, false)
	defer curve.Close()
	defer pool.Close()

	q, err := a.Quote(context.Background(), "mint1", RoutePool, SideBuy, 1_000_000, 50)
	require.NoError(t, err)
	require.EqualValues(t, 2000, q.OutputAmount)
}

func TestGetTokenMetaIsCached(t *testing.T) {
	calls := 0
	curve := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"graduated": true}`))
	}))
	defer curve.Close()

	a := New(Config{CurveBaseURL: curve.URL, PoolBaseURL: curve.URL})

	meta1, err := a.GetTokenMeta(context.Background(), "mint1")
	require.NoError(t, err)
	require.True(t, meta1.Graduated)

	meta2, err := a.GetTokenMeta(context.Background(), "mint1")
	require.NoError(t, err)
	require.True(t, meta2.Graduated)
	require.Equal(t, 1, calls)
}

func TestListClaimable(t *testing.T) {
	a, curve, pool := newTestAdapter(t, false, false)
	defer curve.Close()
	defer pool.Close()

	positions, err := a.ListClaimable(context.Background(), "dev1")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.Equal(t, "mint1", positions[0].TokenMint)
	require.Equal(t, 0.5, positions[0].ClaimableSOL)
}

func TestBuildClaim(t *testing.T) {
	a, curve, pool := newTestAdapter(t, false, false)
	defer curve.Close()
	defer pool.Close()

	txs, err := a.BuildClaim(context.Background(), "dev1", []string{"mint1"})
	require.NoError(t, err)
	require.Len(t, txs, 1)
}

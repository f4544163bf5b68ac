package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ctypes "github.com/canopy-network/custodyx/app/custodian/controller/types"
	"github.com/canopy-network/custodyx/app/custodian/types"
	"github.com/canopy-network/custodyx/pkg/chain"
	"github.com/canopy-network/custodyx/pkg/ledger/memory"
	"github.com/canopy-network/custodyx/pkg/metrics"
	"github.com/canopy-network/custodyx/pkg/session"
	"github.com/canopy-network/custodyx/pkg/transfer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	aliceAddr = "0x00000000000000000000000000000000000000A1"
	bobAddr   = "0x00000000000000000000000000000000000000B0"
)

type fakeChain struct {
	mu    sync.Mutex
	count int
	err   error
}

func (f *fakeChain) EstimateTransferCost() *big.Int { return chain.TransferCost() }

func (f *fakeChain) GetBalance(context.Context, string) (*big.Int, error) { return big.NewInt(0), nil }

func (f *fakeChain) PendingNonce(context.Context, string) (uint64, error) { return 0, nil }

func (f *fakeChain) SubmitTransfer(context.Context, chain.Transfer) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.count++
	return fmt.Sprintf("0x%064x", f.count), nil
}

func (f *fakeChain) submissions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

type testServer struct {
	handler http.Handler
	chain   *fakeChain
	app     *types.App
}

// setupTestController creates a controller over the in-memory ledger and a fake chain.
func setupTestController(t *testing.T, rps, burst string) *testServer {
	t.Setenv("RATE_LIMIT_RPS", rps)
	t.Setenv("RATE_LIMIT_BURST", burst)

	logger := zaptest.NewLogger(t)
	store := memory.New(logger)
	fc := &fakeChain{}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	sessions, err := session.NewManager("test-secret", time.Minute)
	require.NoError(t, err)

	app := &types.App{
		Store:    store,
		Chain:    fc,
		Engine:   transfer.NewEngine(transfer.Config{}, store, fc, nil, m, logger),
		Sessions: sessions,
		Registry: reg,
		Metrics:  m,
		Logger:   logger,
	}
	router, err := NewController(app).NewRouter()
	require.NoError(t, err)
	return &testServer{handler: WithCORS(router), chain: fc, app: app}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("x-access-token", token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) register(t *testing.T, user, addr string) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/register", "", map[string]string{
		"username": user, "password": user + "-pw", "ethereum_address": addr,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (s *testServer) login(t *testing.T, user string) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/login", "", map[string]string{"username": user, "password": user + "-pw"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out ctypes.LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.NotEmpty(t, out.Token)
	return out.Token
}

func (s *testServer) assets(t *testing.T, token string) map[string]string {
	t.Helper()
	rec := s.do(t, http.MethodGet, "/assets", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ctypes.ErrorResponse {
	t.Helper()
	var out ctypes.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestRegisterAndLogin(t *testing.T) {
	s := setupTestController(t, "100", "100")
	s.register(t, "alice", aliceAddr)

	tests := []struct {
		name string
		body map[string]string
		want int
	}{
		{"duplicate user", map[string]string{"username": "alice", "password": "x", "ethereum_address": bobAddr}, http.StatusConflict},
		{"duplicate address", map[string]string{"username": "carol", "password": "x", "ethereum_address": strings.ToLower(aliceAddr)}, http.StatusConflict},
		{"missing password", map[string]string{"username": "dave", "ethereum_address": bobAddr}, http.StatusBadRequest},
		{"bad address", map[string]string{"username": "erin", "password": "x", "ethereum_address": "0x1234"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/register", "", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	rec := s.do(t, http.MethodPost, "/login", "", map[string]string{"username": "alice", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = s.do(t, http.MethodPost, "/login", "", map[string]string{"username": "nobody", "password": "x"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token := s.login(t, "alice")
	assets := s.assets(t, token)
	assert.Equal(t, "1000", assets["assets"])
	assert.Equal(t, "0", assets["reserved"])
	assert.Equal(t, "1000", assets["available"])
}

func TestTransferBetweenAccounts(t *testing.T) {
	s := setupTestController(t, "100", "100")
	s.register(t, "alice", aliceAddr)
	s.register(t, "bob", bobAddr)
	alice := s.login(t, "alice")
	bob := s.login(t, "bob")

	// amount as a bare JSON number
	rec := s.do(t, http.MethodPost, "/transaction", alice, map[string]any{"receiver": bobAddr, "amount": 800})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var ok ctypes.TransferResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ok))
	assert.Equal(t, "Transaction successful", ok.Message)
	assert.NotEmpty(t, ok.TxHash)
	assert.NotEmpty(t, ok.ID)

	assert.Equal(t, "200", s.assets(t, alice)["assets"])
	assert.Equal(t, "1800", s.assets(t, bob)["assets"])

	// amount as a string
	rec = s.do(t, http.MethodPost, "/transaction", alice, map[string]any{"receiver": bobAddr, "amount": "900"})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.Equal(t, string(transfer.ReasonInsufficientFunds), decodeError(t, rec).Error)
	assert.Equal(t, 1, s.chain.submissions())

	rec = s.do(t, http.MethodGet, "/transactions", bob, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var records []ctypes.TransferRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, ok.ID, records[0].ID)
	assert.Equal(t, "alice", records[0].Sender)
	assert.Equal(t, "bob", records[0].ReceiverIdentity)
	assert.Equal(t, "800", records[0].Amount)
	assert.Equal(t, ok.TxHash, records[0].TxHash)
}

func TestTransferRejections(t *testing.T) {
	s := setupTestController(t, "100", "100")
	s.register(t, "alice", aliceAddr)
	alice := s.login(t, "alice")

	tests := []struct {
		name   string
		body   map[string]any
		status int
		reason transfer.Reason
	}{
		{"missing amount", map[string]any{"receiver": bobAddr}, http.StatusBadRequest, transfer.ReasonMissingField},
		{"negative amount", map[string]any{"receiver": bobAddr, "amount": -5}, http.StatusBadRequest, transfer.ReasonMissingField},
		{"zero amount", map[string]any{"receiver": bobAddr, "amount": "0"}, http.StatusBadRequest, transfer.ReasonMissingField},
		{"huge exponent", map[string]any{"receiver": bobAddr, "amount": json.Number("1e50000000")}, http.StatusBadRequest, transfer.ReasonInvalidAmount},
		{"too precise", map[string]any{"receiver": bobAddr, "amount": "0.000000001"}, http.StatusBadRequest, transfer.ReasonInvalidAmount},
		{"bad receiver", map[string]any{"receiver": "bob", "amount": 1}, http.StatusBadRequest, transfer.ReasonInvalidAddress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/transaction", alice, tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, string(tt.reason), decodeError(t, rec).Error)
		})
	}

	s.chain.err = fmt.Errorf("%w: node says no", chain.ErrInsufficientOnChainFunds)
	rec := s.do(t, http.MethodPost, "/transaction", alice, map[string]any{"receiver": bobAddr, "amount": 1})
	require.Equal(t, http.StatusFailedDependency, rec.Code)
	assert.Equal(t, string(transfer.ReasonInsufficientOnChainFunds), decodeError(t, rec).Error)

	s.chain.err = fmt.Errorf("%w: connection refused", chain.ErrSubmission)
	rec = s.do(t, http.MethodPost, "/transaction", alice, map[string]any{"receiver": bobAddr, "amount": 1})
	require.Equal(t, http.StatusFailedDependency, rec.Code)
	assert.Equal(t, string(transfer.ReasonChainSubmissionError), decodeError(t, rec).Error)

	assert.Equal(t, "1000", s.assets(t, alice)["assets"])
	assert.Equal(t, "1000", s.assets(t, alice)["available"])
}

func TestTransferRequiresToken(t *testing.T) {
	s := setupTestController(t, "100", "100")
	s.register(t, "alice", aliceAddr)
	body := map[string]any{"receiver": bobAddr, "amount": 1}

	rec := s.do(t, http.MethodPost, "/transaction", "", body)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "Token is missing!")

	rec = s.do(t, http.MethodPost, "/transaction", "not-a-token", body)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "Token is invalid!")

	other, err := session.NewManager("another-secret", time.Minute)
	require.NoError(t, err)
	forged, _, err := other.Issue("alice")
	require.NoError(t, err)
	rec = s.do(t, http.MethodGet, "/assets", forged, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Authorization: Bearer is accepted too
	token := s.login(t, "alice")
	req := httptest.NewRequest(http.MethodGet, "/assets", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	out := httptest.NewRecorder()
	s.handler.ServeHTTP(out, req)
	assert.Equal(t, http.StatusOK, out.Code)
}

func TestTransferRateLimit(t *testing.T) {
	s := setupTestController(t, "0.001", "1")
	s.register(t, "alice", aliceAddr)
	alice := s.login(t, "alice")

	rec := s.do(t, http.MethodPost, "/transaction", alice, map[string]any{"receiver": bobAddr, "amount": 1})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = s.do(t, http.MethodPost, "/transaction", alice, map[string]any{"receiver": bobAddr, "amount": 1})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, 1, s.chain.submissions())
}

func TestRateLimiterEvictsIdleKeys(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(1, 1, nil)
	rl.now = func() time.Time { return now }
	rl.lastSweep.Store(now.UnixNano())
	rl.SetIdleTimeout(time.Minute)

	for i := 0; i < 50; i++ {
		require.True(t, rl.limiter(fmt.Sprintf("10.0.0.%d", i)).Allow())
	}
	assert.Equal(t, 50, rl.Len())
	assert.False(t, rl.limiter("10.0.0.7").Allow(), "bucket is kept while in use")

	now = now.Add(2 * time.Minute)
	require.True(t, rl.limiter("10.0.0.99").Allow())
	assert.Equal(t, 1, rl.Len())
	assert.True(t, rl.limiter("10.0.0.7").Allow(), "evicted after the bucket refilled")
}

func TestRateLimiterIdleNeverBelowRefill(t *testing.T) {
	rl := NewRateLimiter(0.001, 1, nil)
	rl.SetIdleTimeout(time.Second)
	assert.GreaterOrEqual(t, rl.idle, 1000*time.Second)
}

func TestFeeHealthAndMetrics(t *testing.T) {
	s := setupTestController(t, "100", "100")

	rec := s.do(t, http.MethodGet, "/api/fee", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var fee ctypes.FeeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fee))
	assert.Equal(t, uint64(21000), fee.GasLimit)
	assert.Equal(t, "1000000000", fee.GasPrice)
	assert.Equal(t, "21000000000000", fee.Cost)
	assert.Equal(t, "0.000021", fee.CostUnits)

	rec = s.do(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `custodyx_http_requests_total{method="GET",route="/api/fee",status="200"} 1`)
}

func TestCORSPreflight(t *testing.T) {
	s := setupTestController(t, "100", "100")
	req := httptest.NewRequest(http.MethodOptions, "/transaction", nil)
	req.Header.Set("Origin", "https://wallet.example")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://wallet.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestAmountUnmarshal(t *testing.T) {
	var in ctypes.TransferRequest
	require.NoError(t, json.Unmarshal([]byte(`{"amount": 12.5}`), &in))
	assert.Equal(t, ctypes.Amount("12.5"), in.Amount)
	require.NoError(t, json.Unmarshal([]byte(`{"amount": "0.1"}`), &in))
	assert.Equal(t, ctypes.Amount("0.1"), in.Amount)
	assert.Error(t, json.Unmarshal([]byte(`{"amount": true}`), &in))
}

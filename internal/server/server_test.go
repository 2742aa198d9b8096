package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"staychain/internal/booking"
	"staychain/internal/chain/chaintest"
	"staychain/internal/config"
	"staychain/internal/contracts"
	"staychain/internal/currency"
	"staychain/internal/hmacauth"
	"staychain/internal/listing"
	"staychain/internal/localpay"
	"staychain/internal/metrics"
	"staychain/internal/pinning"
	"staychain/internal/registry"
	"staychain/internal/txn"
	"staychain/internal/wallet"
	"staychain/pkg/apperror"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

var (
	host = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	usdc = common.HexToAddress("0xcebA9300f2b948710d2653dD7B07f33A8B32118C")

	oneToken = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

type envelope struct {
	Data      json.RawMessage `json:"data"`
	ErrorCode string          `json:"error_code"`
	Message   string          `json:"message"`
	RequestID string          `json:"request_id"`
}

type testServer struct {
	emu     *chaintest.Emulator
	srv     *Server
	uploads *pinning.MemoryStore
	health  map[string]HealthCheck
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	emu := chaintest.New(42220)
	emu.Seed(contracts.OwnerDetails{
		PropertyId: big.NewInt(1), Owner: host, OwnerName: "Lake Cabin",
		StablecoinAddress: usdc, DailyRent: new(big.Int).Mul(big.NewInt(10), oneToken),
		IpfsImageUrl: "ipfs://cabin", IsActive: true,
	})

	session := wallet.NewSession(emu.Wallet(host), 42220, zerolog.Nop())
	_, err := session.Connect(context.Background())
	require.NoError(t, err)

	m := metrics.New()
	currencies := currency.NewRegistry(currency.Defaults)
	reader := registry.NewClient(emu, emu.Registry, currencies, registry.Options{})
	orch := txn.New(emu, session, nil, txn.Config{
		Registry:       emu.Registry,
		ConfirmTimeout: time.Second,
		ReceiptPoll:    5 * time.Millisecond,
	}, m, zerolog.Nop())
	uploads := pinning.NewMemoryStore("")

	ts := &testServer{emu: emu, uploads: uploads, health: map[string]HealthCheck{
		"rpc": func(ctx context.Context) error { return nil },
	}}
	ts.srv = NewServer(config.ServerConfig{
		Mode:          "test",
		HMACSecret:    testSecret,
		HMACClockSkew: time.Minute,
	}, Deps{
		Properties:   reader,
		Listings:     listing.NewService(uploads, orch, zerolog.Nop()),
		Transactions: orch,
		Bookings:     booking.NewController(reader, orch, session, emu, emu.Registry, currencies, booking.Options{Metrics: m}),
		LocalPay:     localpay.New(localpay.Defaults{}, m, zerolog.Nop()),
		Wallet:       session,
		Currencies:   currencies,
		Metrics:      m,
		HealthChecks: ts.health,
		Logger:       zerolog.Nop(),
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, contentType string, body []byte, sign bool) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if sign {
		stamp := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set(hmacauth.HeaderTimestamp, stamp)
		req.Header.Set(hmacauth.HeaderSignature, hmacauth.Sign(testSecret, stamp, body))
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func (ts *testServer) postJSON(t *testing.T, path string, v interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	return ts.do(t, http.MethodPost, path, "application/json", body, true)
}

func listingForm(t *testing.T, fields map[string]string, image []byte) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if image != nil {
		part, err := w.CreateFormFile("image", "house.png")
		require.NoError(t, err)
		_, err = part.Write(image)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes(), w.FormDataContentType()
}

func TestListAndGetProperties(t *testing.T) {
	ts := newTestServer(t)

	rec, env := ts.do(t, http.MethodGet, "/api/v1/properties", "", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	var props []registry.Property
	require.NoError(t, json.Unmarshal(env.Data, &props))
	require.Len(t, props, 1)
	assert.Equal(t, "Lake Cabin", props[0].OwnerName)
	assert.Equal(t, "USDC", props[0].Currency)
	assert.NotEmpty(t, env.RequestID)

	rec, env = ts.do(t, http.MethodGet, "/api/v1/properties/1", "", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	var prop registry.Property
	require.NoError(t, json.Unmarshal(env.Data, &prop))
	assert.Equal(t, "10", prop.DailyRentLabel)
	assert.Equal(t, "10000000000000000000", prop.DailyRentFixed)
}

func TestGetPropertyErrors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		path   string
		status int
		code   string
	}{
		{"/api/v1/properties/abc", http.StatusBadRequest, apperror.CodeInvalidRequest},
		{"/api/v1/properties/0", http.StatusBadRequest, apperror.CodeInvalidRequest},
		{"/api/v1/properties/42", http.StatusNotFound, apperror.CodePropertyNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec, env := ts.do(t, http.MethodGet, tt.path, "", nil, false)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, env.ErrorCode)
		})
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/currencies", nil)
	req.Header.Set("X-Request-Id", "req-123")
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "req-123", rec.Header().Get("X-Request-Id"))
	assert.Contains(t, rec.Body.String(), `"request_id":"req-123"`)
}

func TestWritesRequireSignature(t *testing.T) {
	ts := newTestServer(t)

	body := []byte(`{"property_id":1,"days":2,"token":"` + usdc.Hex() + `"}`)
	rec, env := ts.do(t, http.MethodPost, "/api/v1/bookings", "application/json", body, false)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, apperror.CodeUnauthorized, env.ErrorCode)
	assert.Zero(t, ts.emu.Sends())
}

func TestCreateProperty(t *testing.T) {
	ts := newTestServer(t)

	body, ct := listingForm(t, map[string]string{
		"owner_name": "Beach House",
		"token":      usdc.Hex(),
		"daily_rent": "25.5",
	}, []byte("\x89PNG\r\n\x1a\nimage"))
	rec, env := ts.do(t, http.MethodPost, "/api/v1/properties", ct, body, true)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out listing.Outcome
	require.NoError(t, json.Unmarshal(env.Data, &out))
	assert.True(t, strings.HasPrefix(out.Locator, pinning.DefaultPrefix))
	assert.Equal(t, txn.StatusConfirmed, out.Result.Status)
	assert.Equal(t, uint64(2), out.Result.PropertyID)

	stored, ok := ts.emu.Property(2)
	require.True(t, ok)
	assert.Equal(t, out.Locator, stored.IpfsImageUrl)

	blob, ok := ts.uploads.Get(out.Locator)
	require.True(t, ok)
	assert.Equal(t, []byte("\x89PNG\r\n\x1a\nimage"), blob)
}

func TestCreatePropertyInvalidSkipsUpload(t *testing.T) {
	ts := newTestServer(t)

	body, ct := listingForm(t, map[string]string{
		"owner_name": "Beach House",
		"token":      usdc.Hex(),
		"daily_rent": "abc",
	}, []byte("image"))
	rec, env := ts.do(t, http.MethodPost, "/api/v1/properties", ct, body, true)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, apperror.CodeInvalidAmount, env.ErrorCode)
	assert.Zero(t, ts.emu.Sends())
}

func TestDeactivateProperty(t *testing.T) {
	ts := newTestServer(t)

	rec, env := ts.do(t, http.MethodPost, "/api/v1/properties/1/deactivate", "", nil, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res txn.Result
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, txn.StatusConfirmed, res.Status)

	p, _ := ts.emu.Property(1)
	assert.False(t, p.IsActive)

	rec, env = ts.do(t, http.MethodPost, "/api/v1/properties/1/deactivate", "", nil, true)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, apperror.CodeRejectedBySimulation, env.ErrorCode)
	assert.Contains(t, env.Message, "Property is not active")
}

func TestBookStayAndStatus(t *testing.T) {
	ts := newTestServer(t)

	rec, env := ts.postJSON(t, "/api/v1/bookings", map[string]interface{}{
		"property_id": 1, "days": 3, "token": usdc.Hex(),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var b booking.Booking
	require.NoError(t, json.Unmarshal(env.Data, &b))
	assert.Equal(t, "30", b.Total)
	require.NotNil(t, b.Approval)
	require.NotNil(t, b.Payment)
	assert.Equal(t, txn.StatusConfirmed, b.Payment.Status)

	rec, env = ts.do(t, http.MethodGet, "/api/v1/transactions/"+b.Payment.Hash, "", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	var res txn.Result
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, txn.StatusConfirmed, res.Status)
}

func TestBookStayRejections(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		body   map[string]interface{}
		status int
		code   string
	}{
		{"missing token", map[string]interface{}{"property_id": 1, "days": 1}, http.StatusBadRequest, apperror.CodeInvalidRequest},
		{"zero days", map[string]interface{}{"property_id": 1, "days": 0, "token": usdc.Hex()}, http.StatusBadRequest, apperror.CodeInvalidDuration},
		{"unknown property", map[string]interface{}{"property_id": 9, "days": 1, "token": usdc.Hex()}, http.StatusNotFound, apperror.CodePropertyNotFound},
		{"zero property id is not found", map[string]interface{}{"property_id": 0, "days": 0, "token": usdc.Hex()}, http.StatusNotFound, apperror.CodePropertyNotFound},
		{"missing property id is not found", map[string]interface{}{"days": 2, "token": usdc.Hex()}, http.StatusNotFound, apperror.CodePropertyNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, env := ts.postJSON(t, "/api/v1/bookings", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, env.ErrorCode)
		})
	}
	assert.Zero(t, ts.emu.Sends())
}

func TestTransactionStatusErrors(t *testing.T) {
	ts := newTestServer(t)

	rec, env := ts.do(t, http.MethodGet, "/api/v1/transactions/0x1234", "", nil, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, apperror.CodeInvalidRequest, env.ErrorCode)

	unknown := "0x" + strings.Repeat("ab", 32)
	rec, env = ts.do(t, http.MethodGet, "/api/v1/transactions/"+unknown, "", nil, false)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, apperror.CodeTransactionNotFound, env.ErrorCode)
}

func TestCurrencies(t *testing.T) {
	ts := newTestServer(t)

	rec, env := ts.do(t, http.MethodGet, "/api/v1/currencies", "", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []currency.Entry
	require.NoError(t, json.Unmarshal(env.Data, &entries))
	assert.Len(t, entries, len(currency.Defaults))
}

func TestLocalPaymentFlow(t *testing.T) {
	ts := newTestServer(t)

	rec, env := ts.postJSON(t, "/api/v1/local-payments/confirm", struct{}{})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, apperror.CodeNoPendingPayment, env.ErrorCode)

	rec, env = ts.postJSON(t, "/api/v1/local-payments/scan", map[string]string{
		"payload": `{"merchant":"Mama Mboga","amount":250,"currency":"cKES"}`,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var intent localpay.Intent
	require.NoError(t, json.Unmarshal(env.Data, &intent))
	assert.Equal(t, "Mama Mboga", intent.Merchant)
	assert.Equal(t, "250", intent.Amount)

	rec, env = ts.postJSON(t, "/api/v1/local-payments/scan", map[string]string{"payload": "x"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, apperror.CodeScanInProgress, env.ErrorCode)

	rec, _ = ts.postJSON(t, "/api/v1/local-payments/confirm", struct{}{})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, env = ts.do(t, http.MethodGet, "/api/v1/local-payments", "", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	var view struct {
		Session localpay.Snapshot `json:"session"`
		Ledger  []localpay.Record `json:"ledger"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, localpay.StateIdle, view.Session.State)
	require.Len(t, view.Ledger, 1)
	assert.Equal(t, localpay.StatusConfirmed, view.Ledger[0].Status)
}

func TestWalletEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec, env := ts.do(t, http.MethodGet, "/api/v1/wallet", "", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	var st wallet.State
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.True(t, st.Connected)
	assert.True(t, st.OnExpectedNetwork)

	rec, env = ts.postJSON(t, "/api/v1/wallet/network", map[string]uint64{"chain_id": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, apperror.CodeInvalidRequest, env.ErrorCode)

	rec, env = ts.postJSON(t, "/api/v1/wallet/network", map[string]uint64{"chain_id": 44787})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.Equal(t, uint64(44787), st.ChainID)
	assert.False(t, st.OnExpectedNetwork)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	rec, _ := ts.do(t, http.MethodGet, "/api/v1/health", "", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	ts.health["store"] = func(ctx context.Context) error { return errors.New("connection refused") }
	rec, _ = ts.do(t, http.MethodGet, "/api/v1/health", "", nil, false)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	_, _ = ts.postJSON(t, "/api/v1/bookings", map[string]interface{}{
		"property_id": 1, "days": 1, "token": usdc.Hex(),
	})

	rec, _ := ts.do(t, http.MethodGet, "/api/v1/metrics", "", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "staychain_transactions_total")
}

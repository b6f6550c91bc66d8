package juno

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"escrowgo/internal/apperror"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type MockRoundTripper struct {
	Response *http.Response
	Err      error
	Requests []*http.Request
}

func (m *MockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	m.Requests = append(m.Requests, req)
	return m.Response, m.Err
}

func createMockHTTPClient(responseBody string, statusCode int, err error) (*http.Client, *MockRoundTripper) {
	mockTransport := &MockRoundTripper{
		Response: &http.Response{
			StatusCode: statusCode,
			Status:     http.StatusText(statusCode),
			Body:       io.NopCloser(bytes.NewBufferString(responseBody)),
			Header:     make(http.Header),
		},
		Err: err,
	}
	return &http.Client{Transport: mockTransport, Timeout: 10 * time.Second}, mockTransport
}

func newTestClient(httpClient *http.Client, baseURL string) *Client {
	return &Client{
		httpClient: httpClient,
		apiKey:     "mock-key",
		apiSecret:  "mock-secret",
		baseURL:    baseURL,
		bankAcct:   "bank-1",
		asset:      "mxn",
		limiter:    rate.NewLimiter(rate.Inf, 1),
		logger:     zap.NewNop(),
	}
}

func TestRecentDeposits_Success(t *testing.T) {
	mockResponse := `{
		"success": true,
		"payload": [
			{"fid": "dep-1", "amount": "1000.00", "status": "complete", "receiver_clabe": "710969000000000001"},
			{"fid": "dep-2", "amount": "999.99", "status": "pending", "receiver_clabe": "710969000000000001"}
		]
	}`
	httpClient, rt := createMockHTTPClient(mockResponse, http.StatusOK, nil)
	client := newTestClient(httpClient, "https://mock-juno.test/mint_platform/v1")

	deposits, err := client.RecentDeposits(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, deposits, 2)
	assert.Equal(t, "dep-1", deposits[0].ID)
	assert.True(t, deposits[0].Amount.Equal(decimal.RequireFromString("1000")))
	assert.Equal(t, DepositComplete, deposits[0].Status)

	require.Len(t, rt.Requests, 1)
	assert.Equal(t, "/mint_platform/v1/deposits?limit=50", rt.Requests[0].URL.RequestURI())
	assert.True(t, strings.HasPrefix(rt.Requests[0].Header.Get("Authorization"), "Bitso mock-key:"))
}

func TestSignMatchesHMAC(t *testing.T) {
	got := Sign("key", "secret", "1700000000000", "POST", "/mint_platform/v1/payouts", []byte(`{"a":1}`))
	assert.Equal(t, "Bitso key:1700000000000:9856aeedf1bf2f5a3fc46c8276d7bba9849d0a03eb8d301fd0d94ccc31111936", got)
	assert.NotEqual(t, got, Sign("key", "secret", "1700000000001", "POST", "/mint_platform/v1/payouts", []byte(`{"a":1}`)))
}

func TestNonceStrictlyIncreasing(t *testing.T) {
	client := newTestClient(nil, "")
	var (
		mu   sync.Mutex
		seen = map[string]bool{}
		wg   sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := client.nextNonce()
			mu.Lock()
			seen[n] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 50)
}

func TestPayout_SendsOriginIDAndSignature(t *testing.T) {
	var got PayoutRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))

		auth := r.Header.Get("Authorization")
		parts := strings.Split(strings.TrimPrefix(auth, "Bitso "), ":")
		require.Len(t, parts, 3)
		assert.Equal(t, Sign("mock-key", "mock-secret", parts[1], r.Method, r.URL.RequestURI(), body), auth)

		w.Write([]byte(`{"success": true, "payload": {"id": "wd-9", "status": "pending", "origin_id": "abc-payee-1"}}`))
	}))
	defer srv.Close()

	client := newTestClient(srv.Client(), srv.URL)
	receipt, err := client.Payout(context.Background(), PayoutRequest{
		Amount:      decimal.RequireFromString("490.00"),
		Beneficiary: "Ana Payee",
		Clabe:       "646180157000000004",
		NotesRef:    "Pago abc payee",
		NumericRef:  "1234567",
		OriginID:    "abc-payee-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "wd-9", receipt.ID)
	assert.Equal(t, "abc-payee-1", got.OriginID)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("490")))
}

func TestRedeem_UsesConfiguredAccount(t *testing.T) {
	var got RedemptionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/redemptions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"success": true, "payload": {"id": "rd-1", "status": "complete"}}`))
	}))
	defer srv.Close()

	client := newTestClient(srv.Client(), srv.URL)
	receipt, err := client.Redeem(context.Background(), decimal.NewFromInt(500), "abc-redemption-1")
	require.NoError(t, err)
	assert.Equal(t, "rd-1", receipt.ID)
	assert.Equal(t, "bank-1", got.DestinationBankAccountID)
	assert.Equal(t, "mxn", got.Asset)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		code      string
		retryable bool
	}{
		{"unauthorized", http.StatusUnauthorized, `{"success": false, "error": {"code": "0201", "message": "bad key"}}`, apperror.CodeAuth, false},
		{"throttled", http.StatusTooManyRequests, `{}`, apperror.CodeRateLimit, true},
		{"timeout", http.StatusRequestTimeout, `{}`, apperror.CodeTimeout, true},
		{"rejected", http.StatusBadRequest, `{"success": false, "error": {"code": "0303", "message": "invalid clabe"}}`, apperror.CodeRejected, false},
		{"server", http.StatusBadGateway, `oops`, apperror.CodeTransport, true},
		{"envelope failure", http.StatusOK, `{"success": false, "error": {"code": "0500", "message": "nope"}}`, apperror.CodeRejected, false},
		{"broken json", http.StatusOK, `{`, apperror.CodeTransport, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			httpClient, _ := createMockHTTPClient(tt.body, tt.status, nil)
			client := newTestClient(httpClient, "https://mock-juno.test")

			_, err := client.Redeem(context.Background(), decimal.NewFromInt(10), "o-1")
			require.Error(t, err)
			assert.Equal(t, apperror.Provider, apperror.KindOf(err))
			assert.Equal(t, tt.code, apperror.CodeOf(err))
			assert.Equal(t, tt.retryable, apperror.IsRetryable(err))
		})
	}
}

func TestTransportFailure(t *testing.T) {
	httpClient, _ := createMockHTTPClient("", 0, errors.New("connection refused"))
	client := newTestClient(httpClient, "https://mock-juno.test")

	_, err := client.RecentDeposits(context.Background(), 10)
	require.Error(t, err)
	assert.Equal(t, apperror.CodeTransport, apperror.CodeOf(err))
	assert.True(t, apperror.IsRetryable(err))
}

func TestPayout_InvalidRequest(t *testing.T) {
	client := newTestClient(nil, "")
	_, err := client.Payout(context.Background(), PayoutRequest{Amount: decimal.NewFromInt(1)})
	assert.Error(t, err)
	assert.Equal(t, apperror.CodeRejected, apperror.CodeOf(err))
}

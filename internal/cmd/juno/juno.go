package juno

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"escrowgo/internal/apperror"
	"escrowgo/internal/config"
	"escrowgo/internal/metrics"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Client talks to the fiat rail: deposit feed, SPEI payouts and token
// redemptions. Every request is HMAC signed with a strictly increasing nonce.
type Client struct {
	httpClient *http.Client
	apiKey     string
	apiSecret  string
	baseURL    string
	bankAcct   string
	asset      string
	limiter    *rate.Limiter
	logger     *zap.Logger

	nonceMu   sync.Mutex
	lastNonce int64
}

func New(cfg *config.Config, apiSecret string, logger *zap.Logger) *Client {
	limit := rate.Limit(cfg.Juno.RequestsPerSecond)
	if cfg.Juno.RequestsPerSecond <= 0 {
		limit = rate.Inf
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Juno.Timeout},
		apiKey:     cfg.Juno.APIKey,
		apiSecret:  apiSecret,
		baseURL:    cfg.Juno.JunoBaseURL(),
		bankAcct:   cfg.Juno.BankAccountID,
		asset:      cfg.Juno.Asset,
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger.With(zap.String("component", "juno_client")),
	}
}

type Deposit struct {
	ID            string          `json:"fid"`
	Amount        decimal.Decimal `json:"amount"`
	Status        string          `json:"status"`
	ReceiverClabe string          `json:"receiver_clabe"`
	SenderName    string          `json:"sender_name"`
	CreatedAt     time.Time       `json:"created_at"`
}

const DepositComplete = "complete"

type PayoutRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Beneficiary string          `json:"beneficiary"`
	Clabe       string          `json:"clabe"`
	NotesRef    string          `json:"notes_ref"`
	NumericRef  string          `json:"numeric_ref"`
	RFC         string          `json:"rfc,omitempty"`
	OriginID    string          `json:"origin_id"`
}

type RedemptionRequest struct {
	Amount                   decimal.Decimal `json:"amount"`
	DestinationBankAccountID string          `json:"destination_bank_account_id"`
	Asset                    string          `json:"asset"`
	OriginID                 string          `json:"origin_id"`
}

// Receipt is the provider's acknowledgement of a payout or redemption.
type Receipt struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	OriginID string `json:"origin_id"`
}

type envelope struct {
	Success bool            `json:"success"`
	Payload json.RawMessage `json:"payload"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// RecentDeposits fetches the latest deposits, newest first.
func (c *Client) RecentDeposits(ctx context.Context, limit int) ([]Deposit, error) {
	path := "/deposits"
	if limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}
	var deposits []Deposit
	if err := c.do(ctx, http.MethodGet, path, "deposits", nil, &deposits); err != nil {
		return nil, err
	}
	return deposits, nil
}

func (c *Client) Payout(ctx context.Context, req PayoutRequest) (*Receipt, error) {
	if req.Clabe == "" || req.OriginID == "" || !req.Amount.IsPositive() {
		return nil, apperror.New(apperror.Provider, apperror.CodeRejected, "payout needs clabe, origin id and a positive amount")
	}
	var receipt Receipt
	if err := c.do(ctx, http.MethodPost, "/payouts", "payouts", req, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// Redeem converts tokens held by the platform into MXN on the configured bank account.
func (c *Client) Redeem(ctx context.Context, amount decimal.Decimal, originID string) (*Receipt, error) {
	if originID == "" || !amount.IsPositive() {
		return nil, apperror.New(apperror.Provider, apperror.CodeRejected, "redemption needs origin id and a positive amount")
	}
	req := RedemptionRequest{
		Amount:                   amount,
		DestinationBankAccountID: c.bankAcct,
		Asset:                    c.asset,
		OriginID:                 originID,
	}
	var receipt Receipt
	if err := c.do(ctx, http.MethodPost, "/redemptions", "redemptions", req, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// nextNonce returns a millisecond timestamp, bumped when two calls land in the same millisecond.
func (c *Client) nextNonce() string {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	n := time.Now().UnixMilli()
	if n <= c.lastNonce {
		n = c.lastNonce + 1
	}
	c.lastNonce = n
	return strconv.FormatInt(n, 10)
}

// Sign builds the Authorization header value for one request.
func Sign(key, secret, nonce, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(nonce + method + path))
	mac.Write(body)
	return fmt.Sprintf("Bitso %s:%s:%s", key, nonce, hex.EncodeToString(mac.Sum(nil)))
}

func (c *Client) do(ctx context.Context, method, path, endpoint string, in, out any) (err error) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = apperror.CodeOf(err)
		}
		metrics.ObserveProviderCall(endpoint, outcome, time.Since(start).Seconds())
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return apperror.Wrap(apperror.Provider, apperror.CodeTimeout, "rate limiter wait", err)
	}

	var body []byte
	if in != nil {
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("could not encode %s request: %w", endpoint, err)
		}
	}

	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("could not build %s url: %w", endpoint, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("could not build request: %w", err)
	}
	req.Header.Set("Authorization", Sign(c.apiKey, c.apiSecret, c.nextNonce(), method, u.RequestURI(), body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return apperror.Wrap(apperror.Provider, apperror.CodeTimeout, endpoint+" request timed out", err)
		}
		return apperror.Wrap(apperror.Provider, apperror.CodeTransport, endpoint+" request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperror.Wrap(apperror.Provider, apperror.CodeTransport, "error reading response", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg := fmt.Sprintf("%s returned %s", endpoint, resp.Status)
		if decodeErr == nil && env.Error != nil {
			msg = fmt.Sprintf("%s: %s %s", msg, env.Error.Code, env.Error.Message)
		}
		c.logger.Warn("fiat rail error response",
			zap.String("endpoint", endpoint),
			zap.Int("status", resp.StatusCode),
			zap.String("message", msg))
		return apperror.New(apperror.Provider, classifyStatus(resp.StatusCode), msg)
	}
	if decodeErr != nil {
		return apperror.Wrap(apperror.Provider, apperror.CodeTransport, "invalid JSON structure", decodeErr)
	}
	if !env.Success {
		msg := endpoint + " unsuccessful"
		if env.Error != nil {
			msg = fmt.Sprintf("%s: %s %s", msg, env.Error.Code, env.Error.Message)
		}
		return apperror.New(apperror.Provider, apperror.CodeRejected, msg)
	}
	if out != nil && len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, out); err != nil {
			return apperror.Wrap(apperror.Provider, apperror.CodeTransport, "invalid payload", err)
		}
	}
	return nil
}

// classifyStatus maps HTTP errors to provider codes. Anything 4xx that is not
// auth, timeout or throttling is a business rejection.
func classifyStatus(status int) string {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperror.CodeAuth
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return apperror.CodeTimeout
	case status == http.StatusTooManyRequests:
		return apperror.CodeRateLimit
	case status >= 400 && status < 500:
		return apperror.CodeRejected
	default:
		return apperror.CodeTransport
	}
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// Package client talks to the settlement service over HTTP and WebSocket. A
// Client is the sell panel's remote side: it loads the order book, places the
// sell mutation and streams contract updates.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/atmx/liquidation-engine/internal/model"
	"github.com/atmx/liquidation-engine/internal/sell"
)

const (
	defaultRatePerSec = 10
	defaultBurst      = 5

	maxRetries    = 3
	baseRetryWait = 250 * time.Millisecond

	defaultGetTimeout = 10 * time.Second
)

// errDecode marks a response body that could not be decoded. Fetching it
// again would give the same body, so it is never retried.
var errDecode = errors.New("decode response")

// APIError is a non-2xx response from the service.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// APIMessage returns the server's message, which is meant for the user.
func (e *APIError) APIMessage() string { return e.Message }

// IsNotFound reports whether err is a 404 from the service.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Client is safe for concurrent use.
type Client struct {
	http    *http.Client
	baseURL string
	userID  string
	limiter *rate.Limiter
	logger  *slog.Logger
	dialer  dialer

	getTimeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithRateLimit caps outbound requests per second.
func WithRateLimit(perSec float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(perSec), burst) }
}

// WithGetTimeout bounds each GET attempt. The sell mutation is never bounded
// by the client; only the caller's context can end it.
func WithGetTimeout(d time.Duration) Option {
	return func(c *Client) { c.getTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for the service at baseURL acting as userID.
func New(baseURL, userID string, opts ...Option) *Client {
	c := &Client{
		http:       &http.Client{},
		baseURL:    strings.TrimRight(baseURL, "/"),
		userID:     userID,
		limiter:    rate.NewLimiter(defaultRatePerSec, defaultBurst),
		logger:     slog.Default(),
		getTimeout: defaultGetTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.dialer = newDialer(c.http)
	return c
}

// UserID returns the user the client acts as.
func (c *Client) UserID() string { return c.userID }

// GetContract fetches a contract snapshot.
func (c *Client) GetContract(ctx context.Context, contractID string) (*model.Contract, error) {
	var out model.Contract
	if err := c.get(ctx, "/api/v1/markets/"+url.PathEscape(contractID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListUnfilledOrders fetches the resting limit orders of a contract. An empty
// answerID returns the orders of every answer.
func (c *Client) ListUnfilledOrders(ctx context.Context, contractID, answerID string) ([]model.LimitOrder, error) {
	q := url.Values{"contractId": {contractID}}
	if answerID != "" {
		q.Set("answerId", answerID)
	}
	var out []model.LimitOrder
	if err := c.get(ctx, "/api/v1/bets", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetBalances fetches the balances of ids. Unknown users are absent.
func (c *Client) GetBalances(ctx context.Context, ids []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal)
	if len(ids) == 0 {
		return out, nil
	}
	q := url.Values{"ids": {strings.Join(ids, ",")}}
	if err := c.get(ctx, "/api/v1/users/by-id/balance", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetUser fetches a user profile.
func (c *Client) GetUser(ctx context.Context, userID string) (*model.User, error) {
	var out model.User
	if err := c.get(ctx, "/api/v1/users/"+url.PathEscape(userID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPosition fetches the client user's holding of one side.
func (c *Client) GetPosition(ctx context.Context, contractID, answerID string, outcome model.Outcome) (*model.Position, error) {
	q := url.Values{"contractId": {contractID}, "outcome": {string(outcome)}}
	if answerID != "" {
		q.Set("answerId", answerID)
	}
	var out model.Position
	if err := c.get(ctx, "/api/v1/users/"+url.PathEscape(c.userID)+"/positions", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListPositions fetches every holding of the client user.
func (c *Client) ListPositions(ctx context.Context) ([]model.Position, error) {
	var out []model.Position
	if err := c.get(ctx, "/api/v1/users/"+url.PathEscape(c.userID)+"/positions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// LoadBook fetches the resting orders and then the balances of their makers.
func (c *Client) LoadBook(ctx context.Context, contractID, answerID string) ([]model.LimitOrder, map[string]decimal.Decimal, error) {
	orders, err := c.ListUnfilledOrders(ctx, contractID, answerID)
	if err != nil {
		return nil, nil, fmt.Errorf("load orders: %w", err)
	}
	seen := make(map[string]bool, len(orders))
	var ids []string
	for _, o := range orders {
		if !seen[o.UserID] {
			seen[o.UserID] = true
			ids = append(ids, o.UserID)
		}
	}
	balances, err := c.GetBalances(ctx, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("load balances: %w", err)
	}
	return orders, balances, nil
}

// Session is everything a sell panel is built from.
type Session struct {
	Contract *model.Contract
	User     *model.User
	Position *model.Position
	Orders   []model.LimitOrder
	Balances map[string]decimal.Decimal
}

// LoadSession fetches the contract, the user, the position and the book
// concurrently. A multi-answer contract needs answerID; sum-to-one contracts
// load the book of every answer.
func (c *Client) LoadSession(ctx context.Context, contractID, answerID string, outcome model.Outcome) (*Session, error) {
	contract, err := c.GetContract(ctx, contractID)
	if err != nil {
		return nil, fmt.Errorf("load contract: %w", err)
	}
	bookAnswer := answerID
	if contract.SumsToOne() {
		bookAnswer = ""
	}

	s := &Session{Contract: contract}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		s.User, err = c.GetUser(gctx, c.userID)
		return err
	})
	g.Go(func() (err error) {
		s.Position, err = c.GetPosition(gctx, contractID, answerID, outcome)
		return err
	})
	g.Go(func() (err error) {
		s.Orders, s.Balances, err = c.LoadBook(gctx, contractID, bookAnswer)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return s, nil
}

// Quote asks the service to price req and evaluate the confirmation gate.
func (c *Client) Quote(ctx context.Context, req model.SellRequest) (*sell.QuoteResponse, error) {
	var out sell.QuoteResponse
	path := "/api/v1/market/" + url.PathEscape(req.ContractID) + "/sell-quote"
	if err := c.post(ctx, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SellWithResponse places the sell mutation and returns the executed sale.
// It is never retried.
func (c *Client) SellWithResponse(ctx context.Context, req model.SellRequest) (*sell.SellResponse, error) {
	var out sell.SellResponse
	path := "/api/v1/market/" + url.PathEscape(req.ContractID) + "/sell"
	if err := c.post(ctx, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Sell implements submit.Seller.
func (c *Client) Sell(ctx context.Context, req model.SellRequest) error {
	_, err := c.SellWithResponse(ctx, req)
	return err
}

// get issues an idempotent GET. Transport errors, 429 and 5xx responses are
// retried with exponential backoff, as is an attempt that ran out its own
// timeout while ctx is still live.
func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	for attempt := 0; ; attempt++ {
		err := c.getOnce(ctx, u, out)
		timedOut := ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded)
		if (!timedOut && !retryable(err)) || attempt == maxRetries {
			return err
		}
		c.logger.Warn("retrying request", "path", path, "attempt", attempt+1, "error", err)
		if err := sleep(ctx, attempt); err != nil {
			return err
		}
	}
}

func (c *Client) getOnce(ctx context.Context, u string, out any) error {
	if c.getTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.getTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// post sends body as JSON exactly once.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userID != "" {
		req.Header.Set(sell.UserHeader, c.userID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		apiErr := &APIError{Status: resp.StatusCode}
		var er sell.ErrorResponse
		if json.Unmarshal(body, &er) == nil && er.Message != "" {
			apiErr.Message = er.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %w", errDecode, err)
	}
	return nil
}

func retryable(err error) bool {
	if err == nil || errors.Is(err, errDecode) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500
	}
	return true
}

// sleep waits with exponential backoff, respecting the context.
func sleep(ctx context.Context, attempt int) error {
	wait := time.Duration(math.Pow(2, float64(attempt))) * baseRetryWait
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Package submit runs sell mutations one at a time and turns their failures
// into messages a seller can act on.
package submit

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/atmx/liquidation-engine/internal/model"
)

// State is the controller's lifecycle state.
type State int

const (
	Idle State = iota
	Submitting
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Submitting:
		return "submitting"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Messages shown when the server's own message is not passed through.
const (
	MsgTradeConflict = "Error placing trade"
	MsgSellFailed    = "Error placing sell"
)

// serializationConflict marks a transient optimistic-concurrency collision in
// the data layer. The seller is asked to retry by hand.
const serializationConflict = "could not serialize access"

var (
	ErrInFlight = errors.New("submit: a sell is already in flight")
	ErrDetached = errors.New("submit: controller detached")
)

// Seller performs the remote sell mutation.
type Seller interface {
	Sell(ctx context.Context, req model.SellRequest) error
}

// APIMessager is implemented by structured API errors whose message is meant
// for the user.
type APIMessager interface {
	APIMessage() string
}

// Failure is returned by Submit when the mutation fails. Message is what the
// seller should see; Err is the underlying error.
type Failure struct {
	Message string
	Err     error
}

func (f *Failure) Error() string { return f.Message }
func (f *Failure) Unwrap() error { return f.Err }

// UserMessage maps a sell error to the message shown to the seller.
func UserMessage(err error) string {
	var api APIMessager
	if errors.As(err, &api) {
		msg := api.APIMessage()
		if strings.Contains(msg, serializationConflict) {
			return MsgTradeConflict
		}
		return msg
	}
	return MsgSellFailed
}

// Controller allows exactly one in-flight sell. It never retries.
type Controller struct {
	seller    Seller
	logger    *slog.Logger
	onSuccess func()

	mu       sync.Mutex
	state    State
	errMsg   string
	detached bool
	wg       sync.WaitGroup
}

// New creates a controller. onSuccess may be nil.
func New(seller Seller, logger *slog.Logger, onSuccess func()) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{seller: seller, logger: logger, onSuccess: onSuccess}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Submitting reports whether a sell is in flight.
func (c *Controller) Submitting() bool {
	return c.State() == Submitting
}

// ErrorMessage returns the message of the last failure, or "" once a later
// submission starts or succeeds.
func (c *Controller) ErrorMessage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errMsg
}

// Submit sends req and blocks until the mutation completes. It returns
// ErrInFlight if another submission is running and a *Failure if the
// mutation failed.
func (c *Controller) Submit(ctx context.Context, req model.SellRequest) error {
	if err := c.begin(); err != nil {
		return err
	}
	defer c.wg.Done()
	return c.run(ctx, req)
}

// SubmitAsync starts req in the background. The returned channel yields the
// same error Submit would have returned and is then closed.
func (c *Controller) SubmitAsync(ctx context.Context, req model.SellRequest) (<-chan error, error) {
	if err := c.begin(); err != nil {
		return nil, err
	}
	done := make(chan error, 1)
	go func() {
		defer c.wg.Done()
		defer close(done)
		done <- c.run(ctx, req)
	}()
	return done, nil
}

// Detach stops any in-flight result from being applied. The request itself
// is not cancelled. Further submissions fail with ErrDetached.
func (c *Controller) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detached = true
}

// Wait blocks until background submissions have returned.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detached {
		return ErrDetached
	}
	if c.state == Submitting {
		return ErrInFlight
	}
	c.state = Submitting
	c.errMsg = ""
	c.wg.Add(1)
	return nil
}

func (c *Controller) run(ctx context.Context, req model.SellRequest) error {
	log := c.logger.With("contract_id", req.ContractID, "outcome", req.Outcome, "sell_all", req.Shares == nil)
	err := c.seller.Sell(ctx, req)

	c.mu.Lock()
	if c.detached {
		c.mu.Unlock()
		log.Debug("sell finished after detach", "error", err)
		return err
	}
	if err != nil {
		msg := UserMessage(err)
		c.state = Failed
		c.errMsg = msg
		c.mu.Unlock()
		log.Warn("sell failed", "error", err, "message", msg)
		return &Failure{Message: msg, Err: err}
	}
	c.state = Succeeded
	cb := c.onSuccess
	c.mu.Unlock()

	log.Info("sell submitted", "deps", len(req.Deps))
	if cb != nil {
		cb()
	}
	return nil
}

// Package confirm decides whether a sale moves the market far enough that the
// seller has to acknowledge it explicitly.
package confirm

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/liquidation-engine/internal/settlement"
)

// DefaultThreshold is the probability move (thirty points) at which a second
// confirmation is required.
var DefaultThreshold = decimal.NewFromFloat(0.3)

// Decision is the gate's verdict for one quote.
type Decision struct {
	RequiresConfirmation bool   `json:"requiresConfirmation"`
	Message              string `json:"message,omitempty"`
}

// Gate evaluates settlement results against a probability-move threshold.
// The zero value uses DefaultThreshold.
type Gate struct {
	Threshold decimal.Decimal
}

// NewGate returns a gate with the given threshold.
func NewGate(threshold decimal.Decimal) Gate {
	return Gate{Threshold: threshold}
}

func (g Gate) threshold() decimal.Decimal {
	if g.Threshold.IsPositive() {
		return g.Threshold
	}
	return DefaultThreshold
}

// Evaluate returns the decision for res. optedOut is the seller's standing
// preference to skip warnings; it bypasses the gate unconditionally.
func (g Gate) Evaluate(res settlement.Result, optedOut bool) Decision {
	if optedOut || res.ProbChange.LessThan(g.threshold()) {
		return Decision{}
	}
	return Decision{
		RequiresConfirmation: true,
		Message:              Message(res.DisplayedDifference),
	}
}

// Message is the warning shown for a displacement already formatted for the
// contract (a percentage, or a large number for pseudo-numeric contracts).
func Message(displayed string) string {
	return fmt.Sprintf("Are you sure you want to move the probability by %s?", displayed)
}

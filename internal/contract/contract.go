// Package contract handles contract variant validation and the mapping from
// raw probability to the value a contract displays (percent, numeric estimate
// or stock price).
package contract

import (
	"errors"
	"fmt"
	"math"
	"regexp"

	"github.com/shopspring/decimal"

	"github.com/atmx/liquidation-engine/internal/model"
)

var validOutcomeTypes = map[string]string{
	model.Binary:         model.MechanismCPMM,
	model.PseudoNumeric:  model.MechanismCPMM,
	model.Stonk:          model.MechanismCPMM,
	model.MultipleChoice: model.MechanismCPMMMulti,
}

// slugRegex matches lower-case kebab slugs, e.g. will-it-rain-in-paris-tomorrow
var slugRegex = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

var (
	ErrInvalidSlug        = errors.New("contract: invalid slug")
	ErrInvalidOutcomeType = errors.New("contract: unsupported outcome type")
	ErrInvalidRange       = errors.New("contract: min must be below max")
	ErrNoAnswers          = errors.New("contract: multiple choice needs at least two answers")
	ErrInvalidToken       = errors.New("contract: unsupported token")
)

// StonkInitialPrice is the displayed stock price at probability 0.5.
var StonkInitialPrice = decimal.NewFromInt(100)

// Validate checks a contract definition before it is created.
func Validate(c *model.Contract) error {
	if !slugRegex.MatchString(c.Slug) {
		return fmt.Errorf("%w: %q (expected lower-case words joined by '-')", ErrInvalidSlug, c.Slug)
	}

	mech, ok := validOutcomeTypes[c.OutcomeType]
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidOutcomeType, c.OutcomeType)
	}
	if c.Mechanism != "" && c.Mechanism != mech {
		return fmt.Errorf("%w: %s cannot use mechanism %s", ErrInvalidOutcomeType, c.OutcomeType, c.Mechanism)
	}

	if c.Token != model.TokenMana && c.Token != model.TokenCash {
		return fmt.Errorf("%w: %s", ErrInvalidToken, c.Token)
	}

	switch c.OutcomeType {
	case model.PseudoNumeric:
		if c.Min.GreaterThanOrEqual(c.Max) {
			return fmt.Errorf("%w: min=%s max=%s", ErrInvalidRange, c.Min, c.Max)
		}
	case model.MultipleChoice:
		if len(c.Answers) < 2 {
			return ErrNoAnswers
		}
	}
	return nil
}

// MappedValue converts a raw probability into the unit the contract displays.
//   - PSEUDO_NUMERIC: linear or log-scaled position within [min, max]
//   - STONK: a price that doubles every time the odds double
//   - everything else: the probability itself
func MappedValue(c *model.Contract, prob decimal.Decimal) decimal.Decimal {
	p := prob.InexactFloat64()

	switch c.OutcomeType {
	case model.PseudoNumeric:
		lo, hi := c.Min.InexactFloat64(), c.Max.InexactFloat64()
		if c.IsLogScale {
			v := math.Pow(10, p*math.Log10(hi-lo+1)) + lo - 1
			return decimal.NewFromFloat(v).Round(6)
		}
		return c.Min.Add(c.Max.Sub(c.Min).Mul(prob)).Round(6)

	case model.Stonk:
		capped := math.Min(math.Max(p, 0.0001), 0.9999)
		odds := capped / (1 - capped)
		return StonkInitialPrice.Mul(decimal.NewFromFloat(odds)).Round(2)
	}
	return prob
}

// FormatMappedValue renders MappedValue for display.
func FormatMappedValue(c *model.Contract, prob decimal.Decimal) string {
	v := MappedValue(c, prob)
	switch c.OutcomeType {
	case model.PseudoNumeric:
		return FormatLargeNumber(v)
	case model.Stonk:
		return FormatMoney(v, c.IsCash())
	}
	return FormatPercent(v)
}

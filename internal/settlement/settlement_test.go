package settlement

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/liquidation-engine/internal/cpmm"
	"github.com/atmx/liquidation-engine/internal/model"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func dp(f float64) *decimal.Decimal {
	v := d(f)
	return &v
}

// stubOracle returns a fixed quote and records what it was asked.
type stubOracle struct {
	quote model.Quote
	err   error

	calls      int
	sumsToOne  bool
	lastShares decimal.Decimal
	lastOrders []model.LimitOrder
}

func (s *stubOracle) SaleResult(_ *model.Contract, shares decimal.Decimal, _ model.Outcome,
	orders []model.LimitOrder, _ map[string]decimal.Decimal, _ string) (model.Quote, error) {
	s.calls++
	s.lastShares = shares
	s.lastOrders = orders
	return s.quote, s.err
}

func (s *stubOracle) SaleResultSumsToOne(_ *model.Contract, _ string, shares decimal.Decimal, _ model.Outcome,
	orders []model.LimitOrder, _ map[string]decimal.Decimal) (model.Quote, error) {
	s.calls++
	s.sumsToOne = true
	s.lastShares = shares
	s.lastOrders = orders
	return s.quote, s.err
}

// quoteMoving builds a quote whose probability moves from initial to result.
// With equal pools the CPMM probability equals p.
func quoteMoving(initial, result float64, saleValue float64) model.Quote {
	return model.Quote{
		InitialProb: d(initial),
		State: model.PoolState{
			Pool: model.Pool{YES: d(100), NO: d(100)},
			P:    d(result),
		},
		SaleValue: d(saleValue),
		Fees:      model.Fees{PlatformFee: d(1), CreatorFee: d(0.5)},
	}
}

func binary() *model.Contract {
	return &model.Contract{
		ID: "c1", Mechanism: model.MechanismCPMM, OutcomeType: model.Binary, Token: model.TokenMana,
		Pool: model.Pool{YES: d(100), NO: d(100)}, P: d(0.5),
	}
}

func position(requested *decimal.Decimal) Input {
	return Input{
		Contract:  binary(),
		Outcome:   model.YES,
		Shares:    d(100),
		Invested:  d(50),
		Loan:      d(20),
		Requested: requested,
	}
}

func TestCalculate_SellAll(t *testing.T) {
	o := &stubOracle{quote: quoteMoving(0.6, 0.5, 45)}
	res, err := Calculate(o, position(dp(100)))
	require.NoError(t, err)

	assert.True(t, res.IsSellingAllShares)
	assert.True(t, res.SoldShares.Equal(d(100)))
	assert.True(t, res.SaleFrac.Equal(d(1)))
	assert.True(t, res.LoanPaid.Equal(d(20)), "loanPaid = %s", res.LoanPaid)
	assert.True(t, res.CostBasis.Equal(d(50)), "costBasis = %s", res.CostBasis)
	assert.True(t, res.NetProceeds.Equal(d(25)), "netProceeds = %s", res.NetProceeds)
	assert.True(t, res.Profit.Equal(d(-5)), "profit = %s", res.Profit)
	assert.True(t, res.TotalFees.Equal(d(1.5)))
	assert.Nil(t, res.Validation)
	assert.True(t, res.Submittable())

	req := res.SellRequest("c1", "", model.YES)
	assert.Nil(t, req.Shares, "sell-all must omit the share count")
}

func TestCalculate_Partial(t *testing.T) {
	o := &stubOracle{quote: quoteMoving(0.6, 0.55, 12)}
	res, err := Calculate(o, position(dp(25)))
	require.NoError(t, err)

	assert.False(t, res.IsSellingAllShares)
	assert.True(t, res.SaleFrac.Equal(d(0.25)))
	assert.True(t, res.LoanPaid.Equal(d(5)))
	assert.True(t, res.CostBasis.Equal(d(12.5)))
	assert.True(t, o.lastShares.Equal(d(25)))

	req := res.SellRequest("c1", "", model.YES)
	require.NotNil(t, req.Shares)
	assert.True(t, req.Shares.Equal(d(25)))
}

func TestCalculate_ExceedsPosition(t *testing.T) {
	o := &stubOracle{quote: quoteMoving(0.6, 0.5, 45)}
	res, err := Calculate(o, position(dp(150)))
	require.NoError(t, err)

	require.NotNil(t, res.Validation)
	assert.Equal(t, "Maximum 100 shares", res.Validation.Error())
	assert.True(t, errors.Is(res.Validation, ErrMaxSharesExceeded))
	assert.False(t, res.Submittable())
	// The quote is still shown, priced on the clamped amount.
	assert.Equal(t, 1, o.calls)
	assert.True(t, o.lastShares.Equal(d(100)))
	assert.True(t, res.SoldShares.Equal(d(100)))
}

func TestCalculate_EmptyAndNegativeAmount(t *testing.T) {
	o := &stubOracle{quote: quoteMoving(0.6, 0.6, 0)}

	res, err := Calculate(o, position(nil))
	require.NoError(t, err)
	assert.False(t, res.IsSellingAllShares)
	assert.True(t, res.SoldShares.IsZero())
	assert.False(t, res.Submittable())

	res, err = Calculate(o, position(dp(-5)))
	require.NoError(t, err)
	assert.True(t, res.SoldShares.IsZero())
	assert.False(t, res.Submittable())
}

func TestCalculate_FractionalPositionSellsDust(t *testing.T) {
	o := &stubOracle{quote: quoteMoving(0.6, 0.5, 45)}
	in := position(dp(100))
	in.Shares = d(100.4)

	res, err := Calculate(o, in)
	require.NoError(t, err)
	assert.True(t, res.IsSellingAllShares)
	assert.True(t, o.lastShares.Equal(d(100.4)), "oracle should price the full holding, got %s", o.lastShares)
	assert.True(t, res.SaleFrac.Equal(d(1)))
}

func TestCalculate_ZeroPosition(t *testing.T) {
	o := &stubOracle{quote: quoteMoving(0.6, 0.6, 0)}
	in := position(dp(0))
	in.Shares = decimal.Zero

	res, err := Calculate(o, in)
	require.NoError(t, err)
	assert.True(t, res.SaleFrac.IsZero())
	assert.True(t, res.LoanPaid.IsZero())
}

func TestCalculate_ProbabilityImpact(t *testing.T) {
	o := &stubOracle{quote: quoteMoving(0.40, 0.75, 30)}
	res, err := Calculate(o, position(dp(60)))
	require.NoError(t, err)

	assert.True(t, res.ProbChange.Sub(d(0.35)).Abs().LessThan(d(1e-9)), "probChange = %s", res.ProbChange)
	assert.Equal(t, "40%", res.InitialValue)
	assert.Equal(t, "75%", res.ResultValue)
	assert.Equal(t, "35%", res.DisplayedDifference)
}

func TestCalculate_PseudoNumericDifference(t *testing.T) {
	o := &stubOracle{quote: quoteMoving(0.40, 0.50, 30)}
	in := position(dp(60))
	in.Contract.OutcomeType = model.PseudoNumeric
	in.Contract.Min = d(0)
	in.Contract.Max = d(10000)

	res, err := Calculate(o, in)
	require.NoError(t, err)
	assert.Equal(t, "4k", res.InitialValue)
	assert.Equal(t, "5k", res.ResultValue)
	assert.Equal(t, "1k", res.DisplayedDifference)
}

func TestCalculate_OracleError(t *testing.T) {
	o := &stubOracle{err: cpmm.ErrEmptyPool}
	_, err := Calculate(o, position(dp(10)))
	assert.ErrorIs(t, err, cpmm.ErrEmptyPool)
}

func TestCalculate_SelectsPricingPath(t *testing.T) {
	multi := &model.Contract{
		ID: "m1", Mechanism: model.MechanismCPMMMulti, OutcomeType: model.MultipleChoice, Token: model.TokenMana,
		Answers: []model.Answer{
			{ID: "a", Pool: model.Pool{YES: d(100), NO: d(100)}, P: d(0.5)},
			{ID: "b", Pool: model.Pool{YES: d(100), NO: d(100)}, P: d(0.5)},
		},
	}
	orders := []model.LimitOrder{{ID: "o1", AnswerID: "a"}, {ID: "o2", AnswerID: "b"}}

	in := position(dp(10))
	in.Contract = multi
	in.AnswerID = "a"
	in.Orders = orders

	o := &stubOracle{quote: quoteMoving(0.5, 0.45, 4)}
	_, err := Calculate(o, in)
	require.NoError(t, err)
	assert.False(t, o.sumsToOne)
	require.Len(t, o.lastOrders, 1, "independent answers only see their own orders")
	assert.Equal(t, "o1", o.lastOrders[0].ID)

	multi.ShouldAnswersSumToOne = true
	o = &stubOracle{quote: quoteMoving(0.5, 0.45, 4)}
	_, err = Calculate(o, in)
	require.NoError(t, err)
	assert.True(t, o.sumsToOne)
	assert.Len(t, o.lastOrders, 2, "sum-to-one pricing sees the whole book")
}

func TestDeps_UniqueInFillOrder(t *testing.T) {
	res := Result{Quote: model.Quote{Makers: []model.MakerFill{
		{OrderID: "1", UserID: "bob"},
		{OrderID: "2", UserID: "alice"},
		{OrderID: "3", UserID: "bob"},
	}}}
	assert.Equal(t, []string{"bob", "alice"}, res.Deps())
	assert.Empty(t, Result{}.Deps())
}

func TestDefaultAmount(t *testing.T) {
	calm := &stubOracle{quote: quoteMoving(0.5, 0.4, 40)}
	amt, err := DefaultAmount(calm, position(nil))
	require.NoError(t, err)
	require.NotNil(t, amt)
	assert.True(t, amt.Equal(d(100)))

	steep := &stubOracle{quote: quoteMoving(0.5, 0.25, 40)}
	amt, err = DefaultAmount(steep, position(nil))
	require.NoError(t, err)
	assert.Nil(t, amt)
}

func TestCalculate_WithPricer(t *testing.T) {
	pr := cpmm.NewPricer(cpmm.DefaultFeeSchedule())
	res, err := Calculate(pr, position(dp(50)))
	require.NoError(t, err)

	assert.True(t, res.Quote.SaleValue.IsPositive())
	assert.True(t, res.ResultProb.LessThan(res.InitialProb), "selling YES lowers the probability")
	assert.True(t, res.NetProceeds.Equal(res.Quote.SaleValue.Sub(d(10))))
}

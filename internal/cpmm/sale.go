package cpmm

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/liquidation-engine/internal/model"
)

// FeeSchedule configures the taker fee charged on every fill. The fee on a
// fill of s shares at price x is TakerRate · x · (1 − x) · s. CreatorShare and
// LiquidityShare split it; the platform keeps the rest.
type FeeSchedule struct {
	TakerRate      float64 `yaml:"taker_rate"`
	CreatorShare   float64 `yaml:"creator_share"`
	LiquidityShare float64 `yaml:"liquidity_share"`
}

// DefaultFeeSchedule charges 7% of x·(1−x) per share, all to the platform.
func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{TakerRate: 0.07}
}

func (f FeeSchedule) fee(shares, price float64) float64 {
	if shares <= 0 {
		return 0
	}
	return f.TakerRate * price * (1 - price) * shares
}

func (f FeeSchedule) split(total float64) model.Fees {
	creator := total * f.CreatorShare
	liquidity := total * f.LiquidityShare
	return model.Fees{
		CreatorFee:   toDecimal(creator),
		LiquidityFee: toDecimal(liquidity),
		PlatformFee:  toDecimal(total - creator - liquidity),
	}
}

// Pricer is the pricing oracle. It is stateless apart from its fee schedule
// and safe for concurrent use.
type Pricer struct {
	fees FeeSchedule
}

// NewPricer creates a pricer charging the given fees.
func NewPricer(fees FeeSchedule) *Pricer {
	return &Pricer{fees: fees}
}

// maker is a resting order eligible to buy the shares being sold.
type maker struct {
	order    model.LimitOrder
	price    float64 // price paid per share of the sold outcome
	limit    float64
	capacity float64 // min(unfilled amount, balance) at quote time
}

type fill struct {
	shares float64
	amount float64
}

// SaleResult prices selling shares of outcome on an independent contract or
// answer. answerID is required for multi-answer contracts and ignored otherwise.
func (pr *Pricer) SaleResult(
	c *model.Contract,
	shares decimal.Decimal,
	outcome model.Outcome,
	orders []model.LimitOrder,
	balances map[string]decimal.Decimal,
	answerID string,
) (model.Quote, error) {
	state, err := c.PoolState(answerID)
	if err != nil {
		return model.Quote{}, err
	}
	return pr.sell(state, shares, outcome, ordersFor(orders, answerID, c.IsMulti()), balances)
}

// SaleResultSumsToOne prices selling shares of one answer of a sum-to-one
// contract. After the answer's own sale, every other answer is moved along its
// invariant curve so that all probabilities again sum to one.
func (pr *Pricer) SaleResultSumsToOne(
	c *model.Contract,
	answerID string,
	shares decimal.Decimal,
	outcome model.Outcome,
	orders []model.LimitOrder,
	balances map[string]decimal.Decimal,
) (model.Quote, error) {
	state, err := c.PoolState(answerID)
	if err != nil {
		return model.Quote{}, err
	}
	q, err := pr.sell(state, shares, outcome, ordersFor(orders, answerID, true), balances)
	if err != nil {
		return model.Quote{}, err
	}

	newProb := StateProbability(q.State).InexactFloat64()
	var sumOthers float64
	others := make([]model.Answer, 0, len(c.Answers))
	for _, a := range c.Answers {
		if a.ID == answerID {
			continue
		}
		others = append(others, a)
		sumOthers += prob(a.Pool.YES.InexactFloat64(), a.Pool.NO.InexactFloat64(), a.P.InexactFloat64())
	}
	if len(others) == 0 || sumOthers <= 0 {
		return q, nil
	}

	scale := (1 - newProb) / sumOthers
	q.OtherAnswers = make(map[string]model.Pool, len(others))
	for _, a := range others {
		y, n, p := a.Pool.YES.InexactFloat64(), a.Pool.NO.InexactFloat64(), a.P.InexactFloat64()
		ty, tn := poolAt(logK(y, n, p), p, prob(y, n, p)*scale)
		q.OtherAnswers[a.ID] = model.Pool{YES: toDecimal(ty), NO: toDecimal(tn)}
	}
	return q, nil
}

func ordersFor(orders []model.LimitOrder, answerID string, perAnswer bool) []model.LimitOrder {
	if !perAnswer {
		return orders
	}
	out := make([]model.LimitOrder, 0, len(orders))
	for _, o := range orders {
		if o.AnswerID == answerID {
			out = append(out, o)
		}
	}
	return out
}

func (pr *Pricer) sell(
	state model.PoolState,
	shares decimal.Decimal,
	outcome model.Outcome,
	orders []model.LimitOrder,
	balances map[string]decimal.Decimal,
) (model.Quote, error) {
	if shares.IsNegative() {
		return model.Quote{}, ErrInvalidShares
	}
	if err := validate(state); err != nil {
		return model.Quote{}, err
	}

	y, n, p := state.Pool.YES.InexactFloat64(), state.Pool.NO.InexactFloat64(), state.P.InexactFloat64()
	initialProb := prob(y, n, p)

	makers := eligibleMakers(orders, outcome, balances)
	spent := make(map[string]float64) // user id → balance consumed by this sale
	fills := make(map[string]*fill)   // order id → fill
	order := make([]string, 0)

	var gross, feeTotal float64
	remaining := shares.InexactFloat64()
	idx := 0
	reached := false

	capacityOf := func(m *maker) float64 {
		f := fills[m.order.ID]
		used := 0.0
		if f != nil {
			used = f.amount
		}
		bal := balances[m.order.UserID].InexactFloat64() - spent[m.order.UserID]
		return math.Min(m.capacity-used, bal)
	}

	for remaining > epsilon {
		for idx < len(makers) && capacityOf(&makers[idx]) <= epsilon {
			idx++
			reached = false
		}

		x := remaining
		if idx < len(makers) {
			m := &makers[idx]
			cur := outcomePrice(prob(y, n, p), outcome)
			if reached || m.price >= cur-epsilon {
				sharesCap := capacityOf(m) / m.price
				take := math.Min(remaining, sharesCap)
				amt := take * m.price

				f, ok := fills[m.order.ID]
				if !ok {
					f = &fill{}
					fills[m.order.ID] = f
					order = append(order, m.order.ID)
				}
				f.shares += take
				f.amount += amt
				spent[m.order.UserID] += amt

				gross += amt
				feeTotal += pr.fees.fee(take, m.price)
				remaining -= take
				continue
			}
			// Sell into the AMM until its price falls to this maker's.
			toMaker := sharesToReach(y, n, p, m.limit, outcome)
			if toMaker <= remaining {
				x = toMaker
				reached = true
			}
		}

		if x <= epsilon {
			continue
		}
		v, ny, nn := ammSale(y, n, p, x, outcome)
		gross += v
		feeTotal += pr.fees.fee(x, v/x)
		y, n = ny, nn
		remaining -= x
	}

	if feeTotal > gross {
		feeTotal = gross
	}

	byID := make(map[string]maker, len(makers))
	for _, m := range makers {
		byID[m.order.ID] = m
	}
	fillsOut := make([]model.MakerFill, 0, len(order))
	for _, id := range order {
		f := fills[id]
		m := byID[id]
		fillsOut = append(fillsOut, model.MakerFill{
			OrderID:   id,
			UserID:    m.order.UserID,
			Shares:    toDecimal(f.shares),
			Amount:    toDecimal(f.amount),
			LimitProb: m.order.LimitProb,
		})
	}

	return model.Quote{
		InitialProb: toDecimal(initialProb),
		State: model.PoolState{
			Pool: model.Pool{YES: toDecimal(y), NO: toDecimal(n)},
			P:    state.P,
		},
		SaleValue: toDecimal(gross - feeTotal),
		Fees:      pr.fees.split(feeTotal),
		Makers:    fillsOut,
	}, nil
}

// eligibleMakers returns the resting orders that buy the sold outcome,
// best price first, then oldest first. Orders from users without a balance
// snapshot cannot be filled and are dropped.
func eligibleMakers(orders []model.LimitOrder, outcome model.Outcome, balances map[string]decimal.Decimal) []maker {
	makers := make([]maker, 0, len(orders))
	for _, o := range orders {
		if o.Outcome != outcome || o.IsFilled || o.IsCancelled {
			continue
		}
		bal, ok := balances[o.UserID]
		if !ok || !bal.IsPositive() || !o.Remaining().IsPositive() {
			continue
		}
		limit := o.LimitProb.InexactFloat64()
		if limit <= 0 || limit >= 1 {
			continue
		}
		makers = append(makers, maker{
			order:    o,
			limit:    limit,
			price:    outcomePrice(limit, outcome),
			capacity: o.Remaining().InexactFloat64(),
		})
	}
	sort.SliceStable(makers, func(i, j int) bool {
		if makers[i].price != makers[j].price {
			return makers[i].price > makers[j].price
		}
		return makers[i].order.CreatedAt.Before(makers[j].order.CreatedAt)
	})
	return makers
}

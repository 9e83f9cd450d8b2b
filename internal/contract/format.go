package contract

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"
)

// FormatPercent renders a 0..1 value as a percentage. One decimal is kept
// near the extremes so 0.5% does not show as 0%.
func FormatPercent(v decimal.Decimal) string {
	f := v.InexactFloat64()
	places := 0
	if (f > 0 && f < 0.02) || (f > 0.98 && f < 1) {
		places = 1
	}
	return strconv.FormatFloat(f*100, 'f', places, 64) + "%"
}

var largeSuffixes = []string{"", "k", "m", "b", "t"}

// FormatLargeNumber renders a number compactly: 12.5, 950, 1.2k, 3.4m.
func FormatLargeNumber(v decimal.Decimal) string {
	f := v.InexactFloat64()
	abs := math.Abs(f)
	if abs < 1000 {
		return strconv.FormatFloat(math.Round(f*100)/100, 'f', -1, 64)
	}

	i := 0
	for abs >= 1000 && i < len(largeSuffixes)-1 {
		abs /= 1000
		f /= 1000
		i++
	}
	return strconv.FormatFloat(math.Round(f*10)/10, 'f', -1, 64) + largeSuffixes[i]
}

// FormatShares renders a share count. Cash contracts trade fractional shares.
func FormatShares(shares decimal.Decimal, isCash bool) string {
	if isCash {
		return commaFixed2(shares)
	}
	return humanize.Comma(shares.Floor().IntPart())
}

// FormatMoney renders an amount in the contract's token.
func FormatMoney(amount decimal.Decimal, isCash bool) string {
	sign := ""
	if amount.IsNegative() {
		sign = "-"
		amount = amount.Abs()
	}
	if isCash {
		return fmt.Sprintf("%s$%s", sign, commaFixed2(amount))
	}
	return fmt.Sprintf("%sM%s", sign, humanize.Comma(amount.Round(0).IntPart()))
}

// commaFixed2 renders a non-negative amount with thousands separators and
// exactly two decimals.
func commaFixed2(v decimal.Decimal) string {
	fixed := v.StringFixed(2)
	whole, frac, _ := strings.Cut(fixed, ".")
	n, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return fixed
	}
	return humanize.Comma(n) + "." + frac
}

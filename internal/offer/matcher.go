// Package offer selects the gift-card offer that best fits an available
// benefit balance under a credit-overflow policy.
package offer

import (
	"errors"

	"github.com/yanivfranco/wolt-cibus-loader/internal/money"
)

var ErrNoMatchingOffer = errors.New("no gift card offer matches the balance")

// Policy governs whether an offer priced above the balance may be chosen.
// The overflow (price minus balance) is charged to a secondary payment
// method, so it is bounded by MaxOverflow.
type Policy struct {
	AllowOverflow bool
	MaxOverflow   money.Amount
}

// Selection references one offer by its position in the listing order the
// storefront produced, plus the price it was selected at. Every later
// checkpoint must re-validate against exactly this price.
type Selection struct {
	Index int
	Price money.Amount
}

// Select picks the offer whose price is nearest the balance.
//
// Offers are partitioned into those priced at or below the balance and
// those priced above it. Within each set the nearest price wins, ties
// going to the first-listed offer. A higher-priced candidate is eligible
// only when overflow is allowed and its overflow is strictly below the
// cap; an eligible higher candidate is preferred over any lower one, as
// it minimizes leftover unspent balance.
//
// The caller guarantees balance > 0; a zero balance fails the run before
// matching is ever attempted.
func Select(balance money.Amount, prices []money.Amount, policy Policy) (Selection, error) {
	lower := -1
	higher := -1
	var lowerDiff, higherDiff money.Amount

	for i, price := range prices {
		diff := balance.Sub(price)
		if diff >= 0 {
			if lower < 0 || diff < lowerDiff {
				lower = i
				lowerDiff = diff
			}
			continue
		}

		overflow := diff.Neg()
		if !policy.AllowOverflow || overflow >= policy.MaxOverflow {
			continue
		}
		if higher < 0 || overflow < higherDiff {
			higher = i
			higherDiff = overflow
		}
	}

	switch {
	case higher >= 0:
		return Selection{Index: higher, Price: prices[higher]}, nil
	case lower >= 0:
		return Selection{Index: lower, Price: prices[lower]}, nil
	default:
		return Selection{}, ErrNoMatchingOffer
	}
}

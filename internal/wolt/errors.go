package wolt

import "errors"

// Every error below is terminal for the run: nothing is locally
// recovered, the session is released, and the error surfaces to the
// caller with the stage and the expected vs. observed values.
var (
	ErrZeroBalance           = errors.New("wolt: benefit balance is zero, nothing to load")
	ErrLoginFailed           = errors.New("wolt: login failed")
	ErrFlowStepFailed        = errors.New("wolt: checkout flow step failed")
	ErrOverchargeRejected    = errors.New("wolt: order price exceeds balance and credit charge is not allowed")
	ErrCreditChargeRejected  = errors.New("wolt: credit card charge rejected")
	ErrSubmissionUnconfirmed = errors.New("wolt: order submitted but confirmation page never appeared")
	ErrRedemptionTimeout     = errors.New("wolt: code redemption was not confirmed in time")
)

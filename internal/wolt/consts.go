package wolt

import (
	"time"

	"github.com/yanivfranco/wolt-cibus-loader/internal/page"
)

const (
	giftCardsURL    = "https://wolt.com/en/isr/tel-aviv/venue/wolt-gift-cards"
	redeemURL       = "https://wolt.com/en/me/redeem-code"
	orderHistoryURL = "https://wolt.com/en/me/order-history/"

	// orderTrackingFragment appears in the URL only after a successful
	// submission.
	orderTrackingFragment = "/me/order-tracking"
	// consumeFragment identifies the redemption confirmation response.
	consumeFragment = "credit_codes/consume"

	challengeFrameSel = "iframe[name='cibus-challenge']"
)

var (
	selPriceCards    = page.TestID("horizontal-item-card-price")
	selProductSubmit = page.TestID("product-modal.submit")
	selCartView      = page.TestID("cart-view-button")
	selCartNext      = page.TestID("CartViewNextStepButton")
	selSendOrder     = page.TestID("BackendPricing.SendOrderButton")
	selPaymentMethod = page.TestID("PaymentMethods.SelectedPaymentMethod")
	selModalClose    = page.TestID("modal-close-button")
	selRestoreReject = page.TestID("restore-order-modal.reject")
	selUserDropdown  = page.TestID("UserStatusDropdown")
	selRedeemInput   = page.TestID("redeem-code-input")

	selAmountRows   = `[data-test-id="BackendPricing.AmountRow"] dd`
	selCibusMethod  = "button[data-payment-method-id='cibus']"
	selLoginConfirm = "#mainContent button"
	selRedeemSubmit = `[data-test-id="redeem-code-input"]+button`
)

const (
	stepWait    = 20 * time.Second
	loginWait   = 30 * time.Second
	modalWait   = 5 * time.Second
	confirmWait = 60 * time.Second
	redeemWait  = 30 * time.Second
)

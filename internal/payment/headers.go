// Package payment defines the HTTP headers of the 402 payment flow and parses
// the payment proof a client submits in X-PAYMENT.
package payment

const (
	// PaymentHeader carries the payment proof, e.g.
	// "aleo tx=at1...; amount=0.0025; nonce=9f2c...; memo=optional"
	// or the prepaid form "prepaid model=demo; remaining=41; nonce=9f2c...".
	PaymentHeader = "X-PAYMENT"
	// RequestIDHeader identifies the invoice a proof settles. Set on every 402 response.
	RequestIDHeader = "X-Request-Id"
	// WorkflowSessionHeader carries the per-node workflow session id.
	WorkflowSessionHeader = "X-Workflow-Session"
	// AnonymousTokenHeader carries the anonymous balance secret.
	AnonymousTokenHeader = "X-Anonymous-Token"
	// AccessTokenHeader is accepted as an alias of AnonymousTokenHeader.
	AccessTokenHeader = "X-Access-Token"
	// WalletAddressHeader optionally identifies the paying wallet.
	WalletAddressHeader = "X-Wallet-Address"
	// UserIDHeader optionally identifies the caller.
	UserIDHeader = "X-User-Id"
)

// PrepaidScheme marks a proof paid from prepaid credits.
const PrepaidScheme = "prepaid"

package enums

// RedeemStatus classifies the outcome of a token redemption.
type RedeemStatus string

const (
	RedeemStatusPreview   RedeemStatus = "preview"
	RedeemStatusFull      RedeemStatus = "full"
	RedeemStatusNotFound  RedeemStatus = "not_found"
	RedeemStatusExpired   RedeemStatus = "expired"
	RedeemStatusForbidden RedeemStatus = "forbidden"
)

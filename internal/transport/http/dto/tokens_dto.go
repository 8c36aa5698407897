package dto

// ProfilePayload is what a redemption reveals. Preview responses carry
// only the identity fields; full responses add the contact facet.
type ProfilePayload struct {
	OwnerID     string   `json:"owner_id"`
	DisplayName string   `json:"display_name"`
	Headline    string   `json:"headline,omitempty"`
	Category    string   `json:"category,omitempty"`
	Email       string   `json:"email,omitempty"`
	Phone       string   `json:"phone,omitempty"`
	Company     string   `json:"company,omitempty"`
	Title       string   `json:"title,omitempty"`
	Links       []string `json:"links,omitempty"`
	AvatarURL   string   `json:"avatar_url,omitempty"`
}

type RedeemResponse struct {
	Status  string          `json:"status"`
	MatchID string          `json:"match_id,omitempty"`
	Token   string          `json:"token,omitempty"`
	Profile *ProfilePayload `json:"profile,omitempty"`
}

type ConfirmResponse struct {
	OK         bool     `json:"ok"`
	ConsumedBy []string `json:"consumed_by"`
}

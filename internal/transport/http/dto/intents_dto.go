package dto

import "time"

type SubmitIntentRequest struct {
	OwnerID         string `json:"owner_id,omitempty"`
	Source          string `json:"source"`
	SharingCategory string `json:"sharing_category"`
	PressTimestamp  int64  `json:"press_timestamp,omitempty"` // unix ms
	RadioHint       string `json:"radio_hint,omitempty"`
}

type SubmitIntentResponse struct {
	IntentID  string    `json:"intent_id"`
	OwnerID   string    `json:"owner_id"`
	ExpiresAt time.Time `json:"expires_at"`

	Matched bool   `json:"matched"`
	MatchID string `json:"match_id,omitempty"`
	Token   string `json:"token,omitempty"`

	LinkToken string `json:"link_token,omitempty"`
}

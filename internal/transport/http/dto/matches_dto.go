package dto

import "time"

type MatchItemResponse struct {
	MatchID       string    `json:"match_id"`
	Token         string    `json:"token"`
	CounterpartID string    `json:"counterpart_id"`
	Category      string    `json:"category"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type MatchesResponse struct {
	Items []MatchItemResponse `json:"items"`
}

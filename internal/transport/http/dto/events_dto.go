package dto

// MatchEvent is the single SSE payload a subscriber receives.
type MatchEvent struct {
	MatchID string `json:"match_id"`
	Token   string `json:"token"`
}

package enums

import "strings"

type IntentSource string

const (
	IntentSourceProximity IntentSource = "proximity"
	IntentSourceLink      IntentSource = "link"
)

func ParseIntentSource(raw string) (IntentSource, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(IntentSourceProximity):
		return IntentSourceProximity, true
	case string(IntentSourceLink):
		return IntentSourceLink, true
	default:
		return "", false
	}
}

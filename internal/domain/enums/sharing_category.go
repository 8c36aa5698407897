package enums

import "strings"

type SharingCategory string

const (
	SharingCategoryPersonal SharingCategory = "personal"
	SharingCategoryWork     SharingCategory = "work"
)

func ParseSharingCategory(raw string) (SharingCategory, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(SharingCategoryPersonal):
		return SharingCategoryPersonal, true
	case string(SharingCategoryWork):
		return SharingCategoryWork, true
	default:
		return "", false
	}
}

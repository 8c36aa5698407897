package handlers

import (
	"errors"
	"net/http"

	authsvc "github.com/ivankudzin/bumplink/backend/internal/services/auth"
	tokenssvc "github.com/ivankudzin/bumplink/backend/internal/services/tokens"
	"github.com/ivankudzin/bumplink/backend/internal/transport/http/dto"
	httperrors "github.com/ivankudzin/bumplink/backend/internal/transport/http/errors"
)

type MatchesHandler struct {
	service *tokenssvc.Service
}

func NewMatchesHandler(service *tokenssvc.Service) *MatchesHandler {
	return &MatchesHandler{service: service}
}

func (h *MatchesHandler) Recent(w http.ResponseWriter, r *http.Request) {
	identity, ok := authsvc.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return
	}
	if h.service == nil {
		writeInternal(w, "MATCHES_SERVICE_UNAVAILABLE", "matches service is unavailable")
		return
	}

	limit := parseIntOrDefault(r.URL.Query().Get("limit"), 20)
	items, err := h.service.Recent(r.Context(), tokenssvc.Requester{
		OwnerID:  identity.OwnerID,
		Verified: true,
	}, limit)
	if err != nil {
		if errors.Is(err, tokenssvc.ErrForbidden) {
			writeForbidden(w, "FORBIDDEN", "invalid requester")
			return
		}
		writeInternal(w, "INTERNAL_ERROR", "failed to load recent matches")
		return
	}

	responseItems := make([]dto.MatchItemResponse, 0, len(items))
	for _, item := range items {
		responseItems = append(responseItems, dto.MatchItemResponse{
			MatchID:       item.MatchID,
			Token:         item.Token,
			CounterpartID: item.CounterpartID,
			Category:      string(item.Category),
			CreatedAt:     item.CreatedAt,
			ExpiresAt:     item.ExpiresAt,
		})
	}

	httperrors.Write(w, http.StatusOK, dto.MatchesResponse{Items: responseItems})
}

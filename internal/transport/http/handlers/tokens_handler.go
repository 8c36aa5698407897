package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ivankudzin/bumplink/backend/internal/domain/enums"
	authsvc "github.com/ivankudzin/bumplink/backend/internal/services/auth"
	"github.com/ivankudzin/bumplink/backend/internal/services/profiles"
	"github.com/ivankudzin/bumplink/backend/internal/services/rate"
	tokenssvc "github.com/ivankudzin/bumplink/backend/internal/services/tokens"
	"github.com/ivankudzin/bumplink/backend/internal/transport/http/dto"
	httperrors "github.com/ivankudzin/bumplink/backend/internal/transport/http/errors"
)

type TokensHandler struct {
	service *tokenssvc.Service
}

func NewTokensHandler(service *tokenssvc.Service) *TokensHandler {
	return &TokensHandler{service: service}
}

// requesterFrom derives the redemption identity. A bearer token yields a
// verified requester; otherwise an owner_id query parameter is passed
// through unverified (the service only honors pseudonymous ids there).
func requesterFrom(r *http.Request) tokenssvc.Requester {
	if identity, ok := authsvc.IdentityFromContext(r.Context()); ok {
		return tokenssvc.Requester{OwnerID: identity.OwnerID, Verified: true}
	}
	return tokenssvc.Requester{OwnerID: strings.TrimSpace(r.URL.Query().Get("owner_id"))}
}

func (h *TokensHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		writeInternal(w, "TOKENS_SERVICE_UNAVAILABLE", "tokens service is unavailable")
		return
	}

	token := chi.URLParam(r, "token")
	result, err := h.service.Redeem(r.Context(), token, requesterFrom(r))
	if err != nil {
		if limited, ok := rate.IsLimitExceeded(err); ok {
			writeRateLimited(w, limited.RetryAfterSec)
			return
		}
		writeInternal(w, "INTERNAL_ERROR", "failed to redeem token")
		return
	}

	resp := dto.RedeemResponse{
		Status:  string(result.Status),
		MatchID: result.MatchID,
		Token:   result.MatchToken,
	}
	if result.Preview != nil {
		resp.Profile = previewPayload(result.Preview)
	}
	if result.Full != nil {
		resp.Profile = fullPayload(result.Full)
	}

	httperrors.Write(w, redeemStatusCode(result.Status), resp)
}

func (h *TokensHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	identity, ok := authsvc.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return
	}
	if h.service == nil {
		writeInternal(w, "TOKENS_SERVICE_UNAVAILABLE", "tokens service is unavailable")
		return
	}

	token := chi.URLParam(r, "token")
	consumedBy, err := h.service.Confirm(r.Context(), token, tokenssvc.Requester{
		OwnerID:  identity.OwnerID,
		Verified: true,
	})
	if err != nil {
		switch {
		case errors.Is(err, tokenssvc.ErrNotFound):
			writeNotFound(w, "NOT_FOUND", "unknown or expired token")
		case errors.Is(err, tokenssvc.ErrForbidden):
			writeForbidden(w, "FORBIDDEN", "not a party to this match")
		default:
			writeInternal(w, "INTERNAL_ERROR", "failed to confirm exchange")
		}
		return
	}

	httperrors.Write(w, http.StatusOK, dto.ConfirmResponse{OK: true, ConsumedBy: consumedBy})
}

func redeemStatusCode(status enums.RedeemStatus) int {
	switch status {
	case enums.RedeemStatusPreview, enums.RedeemStatusFull:
		return http.StatusOK
	case enums.RedeemStatusNotFound:
		return http.StatusNotFound
	case enums.RedeemStatusExpired:
		return http.StatusGone
	case enums.RedeemStatusForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func previewPayload(p *profiles.PreviewProfile) *dto.ProfilePayload {
	return &dto.ProfilePayload{
		OwnerID:     p.OwnerID,
		DisplayName: p.DisplayName,
		Headline:    p.Headline,
	}
}

func fullPayload(p *profiles.FullProfile) *dto.ProfilePayload {
	return &dto.ProfilePayload{
		OwnerID:     p.OwnerID,
		DisplayName: p.DisplayName,
		Headline:    p.Headline,
		Category:    string(p.Category),
		Email:       p.Email,
		Phone:       p.Phone,
		Company:     p.Company,
		Title:       p.Title,
		Links:       p.Links,
		AvatarURL:   p.AvatarURL,
	}
}

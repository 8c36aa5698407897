package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	authsvc "github.com/ivankudzin/bumplink/backend/internal/services/auth"
	intentssvc "github.com/ivankudzin/bumplink/backend/internal/services/intents"
	"github.com/ivankudzin/bumplink/backend/internal/services/rate"
	"github.com/ivankudzin/bumplink/backend/internal/transport/http/dto"
	httperrors "github.com/ivankudzin/bumplink/backend/internal/transport/http/errors"
)

type IntentsHandler struct {
	service *intentssvc.Service
}

func NewIntentsHandler(service *intentssvc.Service) *IntentsHandler {
	return &IntentsHandler{service: service}
}

func (h *IntentsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		writeInternal(w, "INTENTS_SERVICE_UNAVAILABLE", "intents service is unavailable")
		return
	}

	var req dto.SubmitIntentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid request body")
		return
	}

	// A verified identity always wins; an unauthenticated caller may only
	// re-assert a pseudonymous id we minted for them earlier.
	ownerID := ""
	if identity, ok := authsvc.IdentityFromContext(r.Context()); ok {
		ownerID = identity.OwnerID
	} else if strings.HasPrefix(req.OwnerID, "anon:") {
		ownerID = req.OwnerID
	}

	var pressAt time.Time
	if req.PressTimestamp > 0 {
		pressAt = time.UnixMilli(req.PressTimestamp)
	}

	result, err := h.service.Submit(r.Context(), intentssvc.SubmitInput{
		OwnerID:   ownerID,
		Source:    req.Source,
		Category:  req.SharingCategory,
		PressAt:   pressAt,
		RadioHint: req.RadioHint,
		ClientIP:  clientIP(r),
	})
	if err != nil {
		if limited, ok := rate.IsLimitExceeded(err); ok {
			writeRateLimited(w, limited.RetryAfterSec)
			return
		}
		switch {
		case errors.Is(err, intentssvc.ErrValidation):
			writeBadRequest(w, "VALIDATION_ERROR", "invalid intent submission")
		default:
			writeInternal(w, "INTERNAL_ERROR", "failed to submit intent")
		}
		return
	}

	httperrors.Write(w, http.StatusOK, dto.SubmitIntentResponse{
		IntentID:  result.IntentID,
		OwnerID:   result.OwnerID,
		ExpiresAt: result.ExpiresAt,
		Matched:   result.Matched,
		MatchID:   result.MatchID,
		Token:     result.MatchToken,
		LinkToken: result.LinkToken,
	})
}

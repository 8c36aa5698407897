package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	authsvc "github.com/ivankudzin/bumplink/backend/internal/services/auth"
	fanoutsvc "github.com/ivankudzin/bumplink/backend/internal/services/fanout"
	tokenssvc "github.com/ivankudzin/bumplink/backend/internal/services/tokens"
	"github.com/ivankudzin/bumplink/backend/internal/transport/http/dto"
)

const keepAliveInterval = 15 * time.Second

// SubscriberResolver maps a presented link token to the owner entitled to
// wait on it, so a pseudonymous sharer can hold a push channel.
type SubscriberResolver interface {
	SubscriberForToken(ctx context.Context, token string) (string, error)
}

// SubscribeHandler streams at most one match event per connection over
// SSE. The connection closes after delivery, at the subscription TTL, or
// when the client goes away, whichever comes first. Callers identify
// themselves with a bearer token or, for link sharers, the link token
// itself via the token query parameter.
type SubscribeHandler struct {
	fanout   *fanoutsvc.Service
	resolver SubscriberResolver
}

func NewSubscribeHandler(fanout *fanoutsvc.Service, resolver SubscriberResolver) *SubscribeHandler {
	return &SubscribeHandler{fanout: fanout, resolver: resolver}
}

func (h *SubscribeHandler) Stream(w http.ResponseWriter, r *http.Request) {
	if h.fanout == nil {
		writeInternal(w, "FANOUT_SERVICE_UNAVAILABLE", "subscription service is unavailable")
		return
	}

	ownerID, ok := h.subscriber(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeInternal(w, "STREAMING_UNSUPPORTED", "response writer does not support streaming")
		return
	}

	handle, err := h.fanout.Subscribe(ownerID)
	if err != nil {
		writeInternal(w, "SUBSCRIBE_FAILED", "failed to subscribe")
		return
	}
	defer h.fanout.Unsubscribe(handle)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": subscribed\n\n")
	flusher.Flush()

	ttl := time.NewTimer(time.Until(handle.ExpiresAt))
	defer ttl.Stop()
	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ttl.C:
			return
		case <-keepAlive.C:
			_, _ = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, open := <-handle.C:
			if !open {
				return
			}
			writeMatchEvent(w, ev)
			flusher.Flush()
			return
		}
	}
}

// subscriber picks the channel's owner: the verified bearer identity, or
// the sharer a presented link token resolves to. Writes the error response
// itself when neither yields one.
func (h *SubscribeHandler) subscriber(w http.ResponseWriter, r *http.Request) (string, bool) {
	if identity, ok := authsvc.IdentityFromContext(r.Context()); ok {
		return identity.OwnerID, true
	}

	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" || h.resolver == nil {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication or a link token required")
		return "", false
	}

	ownerID, err := h.resolver.SubscriberForToken(r.Context(), token)
	if errors.Is(err, tokenssvc.ErrNotFound) {
		writeNotFound(w, "NOT_FOUND", "unknown or expired token")
		return "", false
	}
	if err != nil {
		writeInternal(w, "INTERNAL_ERROR", "failed to resolve token")
		return "", false
	}
	return ownerID, true
}

func writeMatchEvent(w http.ResponseWriter, ev fanoutsvc.Event) {
	payload, err := json.Marshal(dto.MatchEvent{MatchID: ev.MatchID, Token: ev.Token})
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: match\ndata: %s\n\n", payload)
}

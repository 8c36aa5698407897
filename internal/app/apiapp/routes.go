package apiapp

import (
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ivankudzin/bumplink/backend/internal/config"
	authsvc "github.com/ivankudzin/bumplink/backend/internal/services/auth"
	fanoutsvc "github.com/ivankudzin/bumplink/backend/internal/services/fanout"
	intentssvc "github.com/ivankudzin/bumplink/backend/internal/services/intents"
	tokenssvc "github.com/ivankudzin/bumplink/backend/internal/services/tokens"
	"github.com/ivankudzin/bumplink/backend/internal/transport/http/handlers"
)

type Dependencies struct {
	JWTManager    *authsvc.JWTManager
	IntentService *intentssvc.Service
	TokenService  *tokenssvc.Service
	FanoutService *fanoutsvc.Service
	Logger        *zap.Logger
	Config        config.Config
}

func RegisterRoutes(r chi.Router, deps Dependencies) {
	healthHandler := handlers.NewHealthHandler()
	intentsHandler := handlers.NewIntentsHandler(deps.IntentService)
	tokensHandler := handlers.NewTokensHandler(deps.TokenService)
	var resolver handlers.SubscriberResolver
	if deps.TokenService != nil {
		resolver = deps.TokenService
	}
	subscribeHandler := handlers.NewSubscribeHandler(deps.FanoutService, resolver)
	matchesHandler := handlers.NewMatchesHandler(deps.TokenService)

	authMW := AuthMiddleware(deps.JWTManager, deps.Logger)
	optionalAuthMW := OptionalAuthMiddleware(deps.JWTManager, deps.Logger)

	r.Get("/healthz", healthHandler.Get)

	r.Route("/v1/exchange", func(r chi.Router) {
		r.With(optionalAuthMW).Post("/intents", intentsHandler.Submit)
		r.With(optionalAuthMW).Get("/tokens/{token}", tokensHandler.Redeem)
		r.With(authMW).Post("/tokens/{token}/confirm", tokensHandler.Confirm)
		r.With(optionalAuthMW).Get("/subscribe", subscribeHandler.Stream)
		r.With(authMW).Get("/matches", matchesHandler.Recent)
	})
}

package apiapp

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ivankudzin/bumplink/backend/internal/config"
	s3infra "github.com/ivankudzin/bumplink/backend/internal/infra/s3"
	"github.com/ivankudzin/bumplink/backend/internal/jobs/sweep"
	pgrepo "github.com/ivankudzin/bumplink/backend/internal/repo/postgres"
	redrepo "github.com/ivankudzin/bumplink/backend/internal/repo/redis"
	authsvc "github.com/ivankudzin/bumplink/backend/internal/services/auth"
	fanoutsvc "github.com/ivankudzin/bumplink/backend/internal/services/fanout"
	intentssvc "github.com/ivankudzin/bumplink/backend/internal/services/intents"
	profilesvc "github.com/ivankudzin/bumplink/backend/internal/services/profiles"
	ratesvc "github.com/ivankudzin/bumplink/backend/internal/services/rate"
	rendezvoussvc "github.com/ivankudzin/bumplink/backend/internal/services/rendezvous"
	tokenssvc "github.com/ivankudzin/bumplink/backend/internal/services/tokens"
)

type App struct {
	cfg        config.Config
	logger     *zap.Logger
	server     *http.Server
	postgres   *pgxpool.Pool
	redis      *goredis.Client
	httpRouter http.Handler

	fanout   *fanoutsvc.Service
	sweepJob *sweep.Job

	jobsCancel context.CancelFunc
}

func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		return nil, fmt.Errorf("logger is nil")
	}

	r := chi.NewRouter()
	ApplyMiddlewares(r, log)

	// The profile store is optional: without it the exchange still works,
	// redemptions just carry no profile payload.
	var pool *pgxpool.Pool
	if p, err := pgrepo.NewPool(ctx, cfg.Postgres.DSN); err != nil {
		log.Warn("postgres init failed, continuing in degraded mode", zap.Error(err))
	} else {
		pool = p
	}

	redisClient := redrepo.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	intentRepo := redrepo.NewIntentRepo(redisClient)
	matchRepo := redrepo.NewMatchRepo(redisClient)
	rateRepo := redrepo.NewRateRepo(redisClient)

	var avatarSigner profilesvc.AvatarSigner
	if signer, err := s3infra.NewSigner(s3infra.Config{
		Endpoint:  cfg.S3.Endpoint,
		AccessKey: cfg.S3.AccessKey,
		SecretKey: cfg.S3.SecretKey,
		Bucket:    cfg.S3.Bucket,
		UseSSL:    cfg.S3.UseSSL,
	}); err != nil {
		log.Warn("s3 init failed, continuing in degraded mode", zap.Error(err))
	} else {
		avatarSigner = signer
	}

	jwtManager := authsvc.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.JWTAccessTTL)
	rateLimiter := ratesvc.NewLimiter(rateRepo, ratesvc.Config{
		Window:           cfg.Exchange.RateLimit.Window,
		IntentsPerWindow: cfg.Exchange.RateLimit.IntentsPerWindow,
		RedeemsPerWindow: cfg.Exchange.RateLimit.RedeemsPerWindow,
	})

	var profileStore profilesvc.ProfileStore
	if pool != nil {
		profileStore = pgrepo.NewProfileRepo(pool)
	}
	profileService := profilesvc.NewService(profilesvc.Dependencies{
		Store:   profileStore,
		Signer:  avatarSigner,
		SignTTL: cfg.S3.SignTTL,
		Logger:  log,
	})

	fanoutService := fanoutsvc.NewService(fanoutsvc.Dependencies{
		SubscriptionTTL: cfg.Exchange.SubscriptionTTL,
		Logger:          log,
	})

	rendezvousService := rendezvoussvc.NewService(rendezvoussvc.Dependencies{
		Intents: intentRepo,
		Matches: matchRepo,
		Fanout:  fanoutService,
		Config: rendezvoussvc.Config{
			MatchTTL:    cfg.Exchange.MatchTTL,
			MatchWindow: cfg.Exchange.MatchWindow,
		},
		Logger: log,
	})

	tokenService := tokenssvc.NewService(tokenssvc.Dependencies{
		Matches:  matchRepo,
		Intents:  intentRepo,
		Former:   rendezvousService,
		Profiles: profileService,
		Limiter:  rateLimiter,
		Logger:   log,
	})

	intentService := intentssvc.NewService(intentssvc.Dependencies{
		Store:   intentRepo,
		Matcher: rendezvousService,
		Links:   tokenService,
		Limiter: rateLimiter,
		Config: intentssvc.Config{
			ProximityTTL: cfg.Exchange.ProximityIntentTTL,
			LinkTTL:      cfg.Exchange.LinkIntentTTL,
		},
		Logger: log,
	})

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	RegisterRoutes(r, Dependencies{
		JWTManager:    jwtManager,
		IntentService: intentService,
		TokenService:  tokenService,
		FanoutService: fanoutService,
		Logger:        log,
		Config:        cfg,
	})

	return &App{
		cfg:        cfg,
		logger:     log,
		server:     server,
		postgres:   pool,
		redis:      redisClient,
		httpRouter: r,
		fanout:     fanoutService,
		sweepJob:   sweep.New(intentRepo, log),
	}, nil
}

func (a *App) Run() error {
	jobsCtx, cancel := context.WithCancel(context.Background())
	a.jobsCancel = cancel
	go a.fanout.RunJanitor(jobsCtx, a.cfg.Exchange.SubscriptionTTL/10)
	go a.sweepJob.RunPeriodic(jobsCtx, a.cfg.Exchange.SweepInterval)

	a.logger.Info("api server started", zap.String("addr", a.cfg.HTTP.Addr))
	err := a.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error

	if a.jobsCancel != nil {
		a.jobsCancel()
	}
	if err := a.server.Shutdown(ctx); err != nil {
		shutdownErr = err
	}
	if a.postgres != nil {
		a.postgres.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil && shutdownErr == nil {
			shutdownErr = err
		}
	}

	return shutdownErr
}

func (a *App) Handler() http.Handler {
	return a.httpRouter
}

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/triviapool/engine/internal/answer"
	"github.com/triviapool/engine/internal/api"
	"github.com/triviapool/engine/internal/event"
	"github.com/triviapool/engine/internal/leaderboard"
	"github.com/triviapool/engine/internal/outcome"
	"github.com/triviapool/engine/internal/prediction"
	"github.com/triviapool/engine/internal/room"
	"github.com/triviapool/engine/internal/round"
	"github.com/triviapool/engine/internal/settlement"
	"github.com/triviapool/engine/internal/store"
	"github.com/triviapool/engine/internal/telemetry"
	"github.com/triviapool/engine/internal/user"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	Redis struct {
		Addrs  []string
		Pass   string
		Prefix string
	}

	Postgres struct {
		Addr string
		User string
		Pass string
		Name string
	}

	Gateway struct {
		BaseURL string
		APIKey  string
	}

	Match struct {
		PlatformFee    string
		MaxRounds      int
		PoolCheckpoint int
	}

	Prediction struct {
		Stake              string
		WinnerBonusPercent int64
	}
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis    redis.UniversalClient
		postgres *pgxpool.Pool
		gateway  *settlement.HTTPGateway
	}

	service struct {
		user        *user.Service
		room        *room.Service
		round       *round.Service
		answer      *answer.Service
		outcome     *outcome.Service
		settlement  *settlement.Coordinator
		prediction  *prediction.Service
		leaderboard *leaderboard.Service
	}

	http *http.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	if err := s.initService(); err != nil {
		return nil, fmt.Errorf("server: init service: %w", err)
	}

	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	s.infra.gateway = settlement.NewHTTPGateway(settlement.GatewayConfig{
		BaseURL: s.c.Gateway.BaseURL,
		APIKey:  s.c.Gateway.APIKey,
	})

	return nil
}

func (s *Server) initRedis() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    s.c.Redis.Addrs,
		Password: s.c.Redis.Pass,
	})

	if err := telemetry.MonitorRedis(r); err != nil {
		return err
	}

	if err := r.Ping(ctx).Err(); err != nil {
		return err
	}

	s.infra.redis = r
	return nil
}

func (s *Server) initPostgres() error {
	db, err := store.Connect(store.Config{
		Addr: s.c.Postgres.Addr,
		User: s.c.Postgres.User,
		Pass: s.c.Postgres.Pass,
		Name: s.c.Postgres.Name,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := store.Migrate(ctx, db); err != nil {
		db.Close()
		return err
	}

	s.infra.postgres = db
	return nil
}

func (s *Server) initService() error {
	platformFee, err := decimal.NewFromString(s.c.Match.PlatformFee)
	if err != nil {
		return fmt.Errorf("platform fee: %w", err)
	}
	stake, err := decimal.NewFromString(s.c.Prediction.Stake)
	if err != nil {
		return fmt.Errorf("prediction stake: %w", err)
	}

	s.service.user = user.NewService(user.Config{
		DB: s.infra.postgres,
	})

	s.service.room = room.NewService(room.Config{
		DB:          s.infra.postgres,
		EventBus:    s.eb,
		PlatformFee: platformFee,
	})

	s.service.outcome = outcome.NewService(outcome.Config{
		DB:       s.infra.postgres,
		EventBus: s.eb,
	})

	s.service.prediction = prediction.NewService(prediction.Config{
		DB:                 s.infra.postgres,
		EventBus:           s.eb,
		Gateway:            s.infra.gateway,
		Stake:              stake,
		WinnerBonusPercent: s.c.Prediction.WinnerBonusPercent,
	})

	s.service.round = round.NewService(round.Config{
		DB:         s.infra.postgres,
		Resolver:   s.service.outcome,
		Pools:      s.service.prediction,
		MaxRounds:  s.c.Match.MaxRounds,
		Checkpoint: s.c.Match.PoolCheckpoint,
	})

	s.service.answer = answer.NewService(answer.Config{
		DB:       s.infra.postgres,
		Resolver: s.service.outcome,
	})

	s.service.settlement = settlement.NewCoordinator(settlement.Config{
		DB:       s.infra.postgres,
		EventBus: s.eb,
		Gateway:  s.infra.gateway,
	})

	s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
		EventBus: s.eb,
		Redis:    s.infra.redis,
		Prefix:   s.c.Redis.Prefix,
	})

	return nil
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery(), telemetry.HTTPLogger())

	api.New(api.Config{
		Engine:      e,
		Users:       s.service.user,
		Rooms:       s.service.room,
		Rounds:      s.service.round,
		Answers:     s.service.answer,
		Outcome:     s.service.outcome,
		Settlement:  s.service.settlement,
		Predictions: s.service.prediction,
		Leaderboard: s.service.leaderboard,
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx := context.TODO()

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if err := eg.Wait(); err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.eb.Stop()

	s.infra.postgres.Close()
	if err := s.infra.redis.Close(); err != nil {
		slog.ErrorContext(ctx, "server: close redis failed", "error", err)
	}

	slog.InfoContext(ctx, "server: shutdown completed")
}

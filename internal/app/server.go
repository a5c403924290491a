// Package app assembles the linking service and runs its HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/linkhub-dev/linkhub/internal/directory"
	"github.com/linkhub-dev/linkhub/internal/oauth"
	"github.com/linkhub-dev/linkhub/internal/platform/otel"
	"github.com/linkhub-dev/linkhub/internal/provider"
	"github.com/linkhub-dev/linkhub/internal/provision"
	"github.com/linkhub-dev/linkhub/internal/storage/redisstate"
	"github.com/linkhub-dev/linkhub/internal/storage/sqlite"
	"github.com/linkhub-dev/linkhub/internal/tokencrypt"
)

type serverEnv struct {
	DBPath    string `env:"LINKHUB_DB_PATH" envDefault:"linkhub.db"`
	TokenKey  string `env:"LINKHUB_TOKEN_KEY"`
	RedisAddr string `env:"LINKHUB_REDIS_ADDR"`

	OTELEndpoint string `env:"LINKHUB_OTEL_ENDPOINT"`

	StateTTL            time.Duration `env:"LINKHUB_STATE_TTL" envDefault:"10m"`
	MaintenanceInterval time.Duration `env:"LINKHUB_MAINTENANCE_INTERVAL" envDefault:"5m"`
	RefreshBatch        int           `env:"LINKHUB_REFRESH_BATCH" envDefault:"100"`
}

// Server hosts the linking service.
type Server struct {
	listener     net.Listener
	httpServer   *http.Server
	store        *sqlite.Store
	redisClient  *redis.Client
	oauthServer  *oauth.Server
	logger       *zap.Logger
	otelShutdown func(context.Context) error
	maintenance  time.Duration
	refreshBatch int
}

// New assembles a configured server listening on httpAddr.
func New(httpAddr string) (*Server, error) {
	var cfg serverEnv
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	key, err := tokencrypt.ParseKey(cfg.TokenKey)
	if err != nil {
		return nil, fmt.Errorf("LINKHUB_TOKEN_KEY: %w", err)
	}
	codec, err := tokencrypt.New(key)
	if err != nil {
		return nil, fmt.Errorf("token codec: %w", err)
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	// Redis takes over the state namespace when configured, so several
	// instances can serve the callback leg. SQLite remains the system
	// of record for links either way.
	var states oauth.StateStore = store
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		states = redisstate.New(redisClient)
	}

	registry := provider.NewRegistry(provider.LoadConfigsFromEnv(), nil)

	provisionConfigs := provision.LoadConfigsFromEnv()
	provisioners := make(map[string]provision.Client, len(provisionConfigs))
	for _, pc := range provisionConfigs {
		provisioners[pc.Provider] = provision.NewClient(pc, nil)
	}

	users := directory.NewClient(directory.LoadConfigFromEnv(), nil)

	otelShutdown, err := otel.Setup(context.Background(), "linkhub", cfg.OTELEndpoint)
	if err != nil {
		closeAll(store, redisClient)
		return nil, fmt.Errorf("otel setup: %w", err)
	}

	service := oauth.NewService(oauth.ServiceConfig{
		Providers:    registry,
		Provisioners: provisioners,
		States:       states,
		Links:        store,
		Users:        users,
		Codec:        codec,
		Logger:       logger,
		StateTTL:     cfg.StateTTL,
	})

	listener, err := net.Listen("tcp", httpAddr)
	if err != nil {
		closeAll(store, redisClient)
		return nil, fmt.Errorf("listen on %s: %w", httpAddr, err)
	}

	mux := http.NewServeMux()
	oauthServer := oauth.NewServer(service, logger)
	oauthServer.RegisterRoutes(mux)

	return &Server{
		listener:     listener,
		httpServer:   &http.Server{Handler: mux},
		store:        store,
		redisClient:  redisClient,
		oauthServer:  oauthServer,
		logger:       logger,
		otelShutdown: otelShutdown,
		maintenance:  cfg.MaintenanceInterval,
		refreshBatch: cfg.RefreshBatch,
	}, nil
}

// Run assembles a server and serves until ctx ends.
func Run(ctx context.Context, httpAddr string) error {
	server, err := New(httpAddr)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve starts the server and blocks until it stops or the context ends.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	serverCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.close()

	s.oauthServer.StartMaintenance(serverCtx, s.maintenance, s.refreshBatch)

	s.logger.Info("linkhub listening", zap.String("addr", s.listener.Addr().String()))
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(s.listener)
	}()

	shutdown := func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}

	select {
	case <-ctx.Done():
		shutdown()
		err := <-serveErr
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	case err := <-serveErr:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

func (s *Server) close() {
	if s.otelShutdown != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.otelShutdown(shutdownCtx)
		cancel()
	}
	closeAll(s.store, s.redisClient)
	_ = s.logger.Sync()
}

func closeAll(store *sqlite.Store, redisClient *redis.Client) {
	if store != nil {
		_ = store.Close()
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
}

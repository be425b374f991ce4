package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/victornm/livequiz/internal/api"
	"github.com/victornm/livequiz/internal/archive"
	"github.com/victornm/livequiz/internal/event"
	"github.com/victornm/livequiz/internal/game"
	"github.com/victornm/livequiz/internal/leaderboard"
	"github.com/victornm/livequiz/internal/questions"
	"github.com/victornm/livequiz/internal/session"
	"github.com/victornm/livequiz/internal/telemetry"
)

const connectTimeout = 10 * time.Second

type Config struct {
	HTTP struct {
		Port int32
		// JoinURL is the player page encoded in session QR codes.
		JoinURL string
	}

	GRPC struct {
		Port int32
	}

	Quiz struct {
		QuestionsFile string
		TimeLimit     time.Duration
		TickInterval  time.Duration
		ResultsDelay  time.Duration
		IdleTimeout   time.Duration
		FinishedTTL   time.Duration
		CodeLength    int
	}

	WebSocket struct {
		PingInterval   time.Duration
		WriteTimeout   time.Duration
		ReadTimeout    time.Duration
		MaxMessageSize int64
		SendBuffer     int
	}

	CORS struct {
		Origins []string
	}

	Redis struct {
		Leaderboard struct {
			Addrs  []string
			Pass   string
			Prefix string
			TTL    time.Duration
		}

		Pubsub struct {
			Addrs  []string
			Pass   string
			Prefix string
		}
	}

	Postgres struct {
		Archive struct {
			Addr string
			User string
			Pass string
			Name string
		}
	}

	NATS struct {
		URL           string
		SubjectPrefix string
	}
}

// DefaultConfig is the configuration before the file and the environment are applied.
// Redis, Postgres and NATS stay disabled until an address is set.
func DefaultConfig() Config {
	var c Config
	c.HTTP.Port = 8080
	c.HTTP.JoinURL = "http://localhost:8080/"
	c.GRPC.Port = 8081

	c.Quiz.TimeLimit = game.DefaultTimeLimit
	c.Quiz.TickInterval = game.DefaultTickInterval
	c.Quiz.ResultsDelay = game.DefaultResultsDelay
	c.Quiz.IdleTimeout = session.DefaultIdleTimeout
	c.Quiz.FinishedTTL = session.DefaultFinishedTTL
	c.Quiz.CodeLength = session.DefaultCodeLength

	c.WebSocket.PingInterval = 25 * time.Second
	c.WebSocket.WriteTimeout = 10 * time.Second
	c.WebSocket.ReadTimeout = 60 * time.Second
	c.WebSocket.MaxMessageSize = 4 << 10
	c.WebSocket.SendBuffer = 64

	c.CORS.Origins = []string{"*"}

	c.Redis.Leaderboard.Prefix = "livequiz"
	c.Redis.Leaderboard.TTL = 24 * time.Hour
	c.Redis.Pubsub.Prefix = "livequiz"
	c.NATS.SubjectPrefix = "livequiz"
	return c
}

type Server struct {
	c Config

	ctx    context.Context
	cancel context.CancelFunc

	eb      *event.Bus
	metrics *telemetry.Metrics
	prom    *prometheus.Registry

	infra struct {
		redis struct {
			leaderboard redis.UniversalClient
			pubsub      redis.UniversalClient
		}

		postgres struct {
			archive *pgxpool.Pool
		}

		nats *nats.Conn
	}

	service struct {
		registry    *session.Registry
		leaderboard *leaderboard.Service
		archive     *archive.Service
		notifier    *api.Notifier
	}

	conns *api.Conns
	hub   *api.Hub

	http *http.Server
	grpc *grpc.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.prom = prometheus.NewRegistry()
	s.prom.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.metrics = telemetry.NewMetrics(s.prom)

	s.eb = event.NewBus(event.WithDropHandler(s.metrics.EventDropped))
	s.metrics.Subscribe(s.eb)

	if err := s.initInfra(); err != nil {
		s.closeInfra()
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	if err := s.initService(); err != nil {
		s.closeInfra()
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

	if err := s.initNATS(); err != nil {
		return fmt.Errorf("nats: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	connect := func(addrs []string, pass string) (redis.UniversalClient, error) {
		if len(addrs) == 0 {
			return nil, nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    addrs,
			Password: pass,
		})

		if err := telemetry.MonitorRedis(r); err != nil {
			_ = r.Close()
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			_ = r.Close()
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.leaderboard, err = connect(s.c.Redis.Leaderboard.Addrs, s.c.Redis.Leaderboard.Pass)
	if err != nil {
		return fmt.Errorf("leaderboard: %w", err)
	}

	s.infra.redis.pubsub, err = connect(s.c.Redis.Pubsub.Addrs, s.c.Redis.Pubsub.Pass)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	return nil
}

func (s *Server) initPostgres() error {
	pc := s.c.Postgres.Archive
	if pc.Addr == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", pc.User, pc.Pass, pc.Addr, pc.Name))
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}

	if err := db.Ping(ctx); err != nil {
		db.Close()
		return fmt.Errorf("archive: %w", err)
	}

	s.infra.postgres.archive = db
	return nil
}

func (s *Server) initNATS() error {
	if s.c.NATS.URL == "" {
		return nil
	}

	nc, err := nats.Connect(s.c.NATS.URL,
		nats.Name("livequiz"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats: disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats: reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return err
	}

	s.infra.nats = nc
	return nil
}

func (s *Server) initService() error {
	qs, err := questions.Load(s.c.Quiz.QuestionsFile)
	if err != nil {
		return fmt.Errorf("questions: %w", err)
	}

	s.conns = api.NewConns()
	s.service.registry = session.NewRegistry(session.Config{
		Questions:    qs,
		TimeLimit:    s.c.Quiz.TimeLimit,
		TickInterval: s.c.Quiz.TickInterval,
		ResultsDelay: s.c.Quiz.ResultsDelay,
		IdleTimeout:  s.c.Quiz.IdleTimeout,
		FinishedTTL:  s.c.Quiz.FinishedTTL,
		CodeLength:   s.c.Quiz.CodeLength,
		Clock:        clockwork.NewRealClock(),
		Sink:         s.conns,
		Events:       s.eb,
	})
	s.metrics.TrackSessions(s.prom, s.service.registry.Len)

	slog.Info("server: questions loaded", "questions", len(qs), "file", s.c.Quiz.QuestionsFile)

	if r := s.infra.redis.leaderboard; r != nil {
		s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
			EventBus: s.eb,
			Redis:    r,
			Prefix:   s.c.Redis.Leaderboard.Prefix,
			TTL:      s.c.Redis.Leaderboard.TTL,
		})
	}

	if db := s.infra.postgres.archive; db != nil {
		s.service.archive = archive.NewService(archive.Config{
			EventBus: s.eb,
			DB:       db,
		})

		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		if err := s.service.archive.Migrate(ctx); err != nil {
			return fmt.Errorf("archive: %w", err)
		}
	}

	// Untyped nils keep a disabled target nil inside the interface.
	nc := api.NotifierConfig{
		EventBus:      s.eb,
		PubsubPrefix:  s.c.Redis.Pubsub.Prefix,
		SubjectPrefix: s.c.NATS.SubjectPrefix,
	}
	if s.infra.redis.pubsub != nil {
		nc.Redis = s.infra.redis.pubsub
	}
	if s.infra.nats != nil {
		nc.NATS = s.infra.nats
	}
	s.service.notifier = api.NewNotifier(nc)

	return nil
}

func (s *Server) initAPI() {
	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodHead, http.MethodGet},
		AllowedOrigins: s.c.CORS.Origins,
		AllowedHeaders: []string{"*"},
	})

	s.hub = api.NewHub(api.HubConfig{
		Registry:       s.service.registry,
		Conns:          s.conns,
		Metrics:        s.metrics,
		PingInterval:   s.c.WebSocket.PingInterval,
		WriteTimeout:   s.c.WebSocket.WriteTimeout,
		ReadTimeout:    s.c.WebSocket.ReadTimeout,
		MaxMessageSize: s.c.WebSocket.MaxMessageSize,
		SendBuffer:     s.c.WebSocket.SendBuffer,
		CheckOrigin: func(r *http.Request) bool {
			// Non-browser clients send no Origin.
			return r.Header.Get("Origin") == "" || c.OriginAllowed(r)
		},
	})

	ac := api.Config{
		Registry: s.service.registry,
		Hub:      s.hub,
		JoinURL:  s.c.HTTP.JoinURL,
	}
	if s.service.leaderboard != nil {
		ac.Leaderboard = s.service.leaderboard
	}
	if s.service.archive != nil {
		ac.Archive = s.service.archive
	}

	e := gin.New()
	e.Use(gin.Recovery())
	e.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.prom, promhttp.HandlerOpts{Registry: s.prom})))
	pprof.Register(e, "/debug/pprof")
	api.New(ac).Register(e)

	s.grpc = grpc.NewServer(telemetry.GRPCServerOptions()...)
	healthpb.RegisterHealthServer(s.grpc, health.NewServer())

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           c.Handler(e),
		ReadHeaderTimeout: 60 * time.Second,
	}
}

// Start serves HTTP and gRPC and reaps idle sessions until Shutdown.
func (s *Server) Start() error {
	ctx := s.ctx

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		return fmt.Errorf("server: grpc listen: %w", err)
	}

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: gRPC listening on port %d", s.c.GRPC.Port))
		return s.grpc.Serve(lis)
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	eg.Go(func() error {
		if err := s.service.registry.Reap(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if err := eg.Wait(); err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
		return err
	}

	return nil
}

// Shutdown stops accepting traffic, ends every live session and flushes the event bus
// before closing the integrations.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}
	s.grpc.GracefulStop()
	s.cancel()

	s.service.registry.Shutdown(ctx)
	s.hub.Close()
	s.eb.Stop()
	s.closeInfra()

	slog.InfoContext(ctx, "server: shutdown completed")
}

func (s *Server) closeInfra() {
	for _, r := range []redis.UniversalClient{s.infra.redis.leaderboard, s.infra.redis.pubsub} {
		if r != nil {
			_ = r.Close()
		}
	}

	if s.infra.postgres.archive != nil {
		s.infra.postgres.archive.Close()
	}

	if s.infra.nats != nil {
		if err := s.infra.nats.Drain(); err != nil {
			slog.Warn("server: drain nats failed", "error", err)
		}
	}
}

package main

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/checkpoint"
	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/clocksync"
	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/config"
	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/events"
	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/faceclient"
	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/gate"
	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/gateway"
	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/httpapi"
	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/proximity"
	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/reconcile"
	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/ring"
	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/session"
	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/store"
)

// Services holds every wired component of the attendance server.
type Services struct {
	DB          *store.DB
	Redis       *store.Redis
	Publisher   *events.JetStreamPublisher
	Oracle      *clocksync.Oracle
	Sessions    *session.Service
	Ticker      *session.Ticker
	Rings       *ring.Service
	RingSched   *ring.Scheduler
	Reconciler  *reconcile.Service
	Checkpoints *checkpoint.Store
	Gateway     *gateway.Service
	API         *httpapi.API
}

// setupServices wires the dependency chain: stores -> gate -> services ->
// transports.
func setupServices(ctx context.Context, cfg config.App) (*Services, error) {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := store.Migrate(ctx, db.Client); err != nil {
		db.Close()
		return nil, err
	}
	redis := store.NewRedis(cfg.RedisAddr)
	if !redis.Healthy(ctx) {
		log.Warn().Str("addr", cfg.RedisAddr).Msg("redis unreachable at startup")
	}

	publisher, err := events.NewJetStreamPublisher(cfg.NATSURL)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect event bus: %w", err)
	}

	rooms, err := gate.LoadRoomRegistry(cfg.RoomRegistryPath)
	if err != nil {
		db.Close()
		publisher.Close()
		return nil, fmt.Errorf("load room registry: %w", err)
	}
	g := gate.New(
		proximity.New(cfg.ProximityServiceURL, cfg.ProximitySkip),
		faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip),
		rooms,
	)

	clock := clockwork.NewRealClock()
	oracle := clocksync.NewOracle(clock, cfg.TamperThreshold)

	sessionRepo := session.NewPostgresRepository(db.Client)
	sessions := session.NewService(sessionRepo, g, oracle, publisher, clock)
	ticker := session.NewTicker(sessions, g, clock, cfg.TickInterval, cfg.GateRecheckEvery)

	ringRepo := ring.NewPostgresRepository(db.Client)
	rings := ring.NewService(ringRepo, sessions, g, publisher, clock, cfg.RingDeadline, cfg.RingSecondDeadline)
	ringSched := ring.NewScheduler(ringRepo, rings, clock)

	reconciler := reconcile.NewService(sessions, rings, publisher, cfg.OfflineCapSeconds)
	checkpoints := checkpoint.NewStore(redis.Client)

	gwConfig := gateway.DefaultConfig()
	gwConfig.JetStreamConfig.URL = cfg.NATSURL
	gw, err := gateway.NewService(gwConfig, &sessionCommands{sessions: sessions, clock: clock})
	if err != nil {
		db.Close()
		publisher.Close()
		return nil, fmt.Errorf("create gateway: %w", err)
	}
	// the tick loop freezes accrual for students without a live socket
	sessions.SetPresence(gw.ConnectionManager())

	api := httpapi.New(cfg, sessions, rings, reconciler, checkpoints, oracle, db, redis)

	return &Services{
		DB:          db,
		Redis:       redis,
		Publisher:   publisher,
		Oracle:      oracle,
		Sessions:    sessions,
		Ticker:      ticker,
		Rings:       rings,
		RingSched:   ringSched,
		Reconciler:  reconciler,
		Checkpoints: checkpoints,
		Gateway:     gw,
		API:         api,
	}, nil
}

// StartBackground launches the periodic loops.
func (s *Services) StartBackground(ctx context.Context) {
	go s.Ticker.Run(ctx)
	go func() {
		if err := s.RingSched.Run(ctx); err != nil {
			log.Error().Err(err).Msg("ring scheduler failed")
		}
	}()
	go func() {
		if err := s.Gateway.Start(ctx); err != nil {
			log.Error().Err(err).Msg("gateway failed")
		}
	}()
}

// Close releases external connections.
func (s *Services) Close() {
	if s.Publisher != nil {
		s.Publisher.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
}

// sessionCommands adapts websocket commands onto the session service.
type sessionCommands struct {
	sessions *session.Service
	clock    clockwork.Clock
}

func (c *sessionCommands) HandleStartTimer(ctx context.Context, cmd gateway.StartTimerCommand) error {
	deviceTime := cmd.DeviceTime
	if deviceTime.IsZero() {
		deviceTime = c.clock.Now()
	}
	_, err := c.sessions.Start(ctx, cmd.StudentID, cmd.Room, deviceTime)
	return err
}

func (c *sessionCommands) HandleStopTimer(ctx context.Context, cmd gateway.StopTimerCommand) error {
	_, err := c.sessions.Stop(ctx, cmd.StudentID, "student_stop")
	return err
}

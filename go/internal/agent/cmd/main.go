package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/agent"
	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/events"
)

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	studentID := os.Getenv("STUDENT_ID")
	if studentID == "" {
		log.Fatal().Msg("STUDENT_ID environment variable is required")
	}
	apiURL := getEnv("API_URL", "http://localhost:8080")
	wsURL := getEnv("GATEWAY_URL", "ws://localhost:8082/ws/student")
	token := os.Getenv("ACCESS_TOKEN")
	dataDir := getEnv("DATA_DIR", ".")

	buffer, err := agent.NewOfflineBuffer(dataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open offline buffer")
	}
	defer buffer.Close()

	state := agent.NewTimerState()
	rest := agent.NewRESTClient(apiURL, token)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// headless verification: answer rings immediately; a real client
	// triggers the camera first
	onRing := func(ctx context.Context, n events.RingNotificationPayload) {
		if err := rest.RingVerify(ctx, n.RandomRingID, studentID); err != nil {
			log.Warn().Err(err).Str("ring_id", n.RandomRingID).Msg("ring verification failed")
		}
	}

	a := agent.New(studentID, wsURL, state, buffer, rest, onRing)

	heartbeats := agent.NewHeartbeatScheduler(clockwork.NewRealClock(), state.Running, func(ctx context.Context) error {
		return rest.Checkpoint(ctx, studentID, state.Seconds(), true)
	})
	go heartbeats.Run(ctx)

	go func() {
		if err := a.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("agent loop failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("agent shutting down")
	cancel()
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ghlbridge/config"
	"ghlbridge/internal/adapters/ghl"
	"ghlbridge/internal/adapters/greenapi"
	"ghlbridge/internal/db"
	"ghlbridge/internal/delivery"
	"ghlbridge/internal/handlers"
	"ghlbridge/internal/media"
	"ghlbridge/internal/queue"
	"ghlbridge/internal/services"
	"ghlbridge/pkg/logger"

	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger.InitLogger(cfg.LogFormat, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Application error")
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	conn, err := db.InitDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer conn.Close()
	enc, err := db.NewEncryptor(cfg.EncryptionSecret)
	if err != nil {
		return err
	}
	if enc == nil {
		log.Warn().Msg("ENCRYPTION_SECRET not set, tokens are stored in plain text")
	}
	store := db.NewStore(conn, enc)

	oauth := ghl.NewOAuth(cfg.GHLBaseURL, cfg.GHLClientID, cfg.GHLClientSecret, cfg.OAuthRedirectURL(), cfg.HTTPTimeout)
	platforms := services.HighLevelPlatforms{Factory: ghl.NewFactory(store, oauth, ghl.FactoryConfig{
		BaseURL:                cfg.GHLBaseURL,
		APIVersion:             cfg.GHLAPIVersion,
		ConversationProviderID: cfg.GHLConversationProvider,
		Timeout:                cfg.HTTPTimeout,
	})}
	messengers := services.GreenAPIMessengers{Factory: greenapi.NewFactory(cfg.GreenAPIBaseURL, cfg.HTTPTimeout)}

	publisher := queue.NewPublisher(queue.Config{
		URL:            cfg.Rabbit.URL,
		Queue:          cfg.Rabbit.Queue,
		QueuePrefix:    cfg.Rabbit.QueuePrefix,
		SpecificEvents: cfg.Rabbit.SpecificEvents,
	})
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close RabbitMQ publisher")
		}
	}()

	var mirror services.MediaMirror
	m, err := media.NewMirror(cfg.S3, cfg.HTTPTimeout)
	if err != nil {
		return fmt.Errorf("failed to initialize media mirror: %w", err)
	}
	if m != nil {
		mirror = m
	}

	deliveries := delivery.NewManager(delivery.HighLevelSender{Factory: platforms.Factory}, publisher, delivery.Config{
		MaxRetries: cfg.StatusMaxRetries,
		Backoff:    cfg.StatusRetryBackoff,
		Timeout:    cfg.HTTPTimeout,
	})
	deliveries.Start()
	defer deliveries.Stop()

	contacts := services.NewContactResolver(platforms)
	echoes := services.NewEchoRegistry()
	dispatcher := services.NewDispatcher(services.DispatcherDeps{
		Store:                  store,
		Platforms:              platforms,
		Messengers:             messengers,
		Contacts:               contacts,
		Router:                 services.NewRouter(store, contacts, cfg.RoutingStrict),
		Echoes:                 echoes,
		Statuses:               deliveries,
		Events:                 publisher,
		Mirror:                 mirror,
		ConversationProviderID: cfg.GHLConversationProvider,
	})
	workflows := services.NewWorkflowExecutor(store, platforms, messengers, contacts, echoes, publisher)
	instances := services.NewInstanceService(store, messengers, mirror, cfg.GreenAPIWebhookURL())

	webhookAuth := handlers.NewWebhookAuth(store)
	srv := newServer(cfg, &server{
		webhooks:    handlers.NewWebhookHandler(dispatcher, services.MessagingWebhookTypes),
		webhookAuth: webhookAuth,
		workflows:   handlers.NewWorkflowHandler(workflows),
		instances:   handlers.NewInstanceHandler(instances, webhookAuth),
		oauth:       handlers.NewOAuthHandler(oauth, store, instances),
		tenants:     store,
		deliveries:  deliveries,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}
	log.Info().Msg("Server shutdown completed")
	return nil
}

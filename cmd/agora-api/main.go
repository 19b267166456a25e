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

	"github.com/MarcoPoloResearchLab/agora/internal/auth"
	"github.com/MarcoPoloResearchLab/agora/internal/chat"
	"github.com/MarcoPoloResearchLab/agora/internal/config"
	"github.com/MarcoPoloResearchLab/agora/internal/database"
	"github.com/MarcoPoloResearchLab/agora/internal/logging"
	"github.com/MarcoPoloResearchLab/agora/internal/messaging"
	"github.com/MarcoPoloResearchLab/agora/internal/moderation"
	"github.com/MarcoPoloResearchLab/agora/internal/notifications"
	"github.com/MarcoPoloResearchLab/agora/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/agora/internal/realtime"
	"github.com/MarcoPoloResearchLab/agora/internal/server"
	"github.com/MarcoPoloResearchLab/agora/internal/topics"
	"github.com/MarcoPoloResearchLab/agora/internal/users"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "agora-api",
		Short: "Agora realtime chat, moderation and notification service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, mysql)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().String("nats-url", "", "NATS server URL for notification requests")
	cmd.PersistentFlags().String("redis-address", "", "Redis address for chat rate limiting")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "nats.url", "nats-url")
	bindFlag(cmd, "redis.address", "redis-address")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newTokenCommand() *cobra.Command {
	var userID int64
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for a user id",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := newTokenIssuer(appConfig)
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueToken(cmd.Context(), userID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires_in=%d\n", token, expiresIn)
			return nil
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "User id carried in the token subject")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(database.Config{Driver: appConfig.DatabaseDriver, DSN: appConfig.DatabaseDSN}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenIssuer, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}
	gatekeeper, err := auth.NewGatekeeper(auth.GatekeeperConfig{
		Validator: tokenIssuer,
		Timeout:   appConfig.HandshakeTimeout,
	})
	if err != nil {
		return err
	}

	hub := realtime.NewHub(logger)
	presence := realtime.NewPresence()

	userService, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	topicService, err := topics.NewService(topics.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	chatService, err := chat.NewService(chat.ServiceConfig{
		Database:         db,
		Broadcaster:      hub,
		Profiles:         userService,
		Topics:           topicService,
		Logger:           logger,
		MaxContentLength: appConfig.MaxContentLength,
	})
	if err != nil {
		return err
	}
	moderationService, err := moderation.NewService(moderation.ServiceConfig{
		Database:    db,
		Broadcaster: hub,
		Logger:      logger,
		Threshold:   appConfig.ReportThreshold,
	})
	if err != nil {
		return err
	}
	notificationService, err := notifications.NewService(notifications.ServiceConfig{
		Database: db,
		Presence: presence,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer notificationService.Wait()

	scheduler, err := topics.NewScheduler(topics.SchedulerConfig{
		Closer:      topicService,
		Broadcaster: hub,
		Interval:    appConfig.SchedulerInterval,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	gateway, err := realtime.NewGateway(realtime.GatewayConfig{
		Authenticator: gatekeeper,
		Hub:           hub,
		Presence:      presence,
		OnSendMessage: chatService.SocketSender(),
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	var limiter server.RateLimiter
	if appConfig.RedisAddress != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     appConfig.RedisAddress,
			Password: appConfig.RedisPassword,
		})
		defer redisClient.Close()
		messageLimiter, err := ratelimit.NewLimiter(ratelimit.NewRedisCounter(redisClient), ratelimit.Rule{
			Limit:  appConfig.RateLimitMessages,
			Window: appConfig.RateLimitWindow,
		}, logger)
		if err != nil {
			return err
		}
		limiter = messageLimiter
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenValidator: tokenIssuer,
		Chat:           chatService,
		Moderation:     moderationService,
		Notifications:  notificationService,
		Topics:         topicService,
		Gateway:        gateway,
		Limiter:        limiter,
		InternalAPIKey: appConfig.InternalAPIKey,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	consumer, err := newNotificationConsumer(appConfig, notificationService, logger)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		return scheduler.Run(groupCtx)
	})
	if consumer != nil {
		group.Go(func() error {
			return consumer.Run(groupCtx)
		})
	}

	return group.Wait()
}

// newNotificationConsumer returns nil when no NATS server is configured.
func newNotificationConsumer(appConfig config.AppConfig, trigger messaging.Trigger, logger *zap.Logger) (*messaging.Consumer, error) {
	if appConfig.NATSURL == "" {
		return nil, nil
	}
	return messaging.NewConsumer(messaging.ConsumerConfig{
		URL:     appConfig.NATSURL,
		Subject: appConfig.NATSSubject,
		Trigger: trigger,
		Logger:  logger,
	})
}

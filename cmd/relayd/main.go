// Command relayd runs a relay server with a file/env driven configuration,
// a JWT-verifying auth handler, and an optional redis coordinator for
// multi-instance deployments.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/relaykit/relay"
	"github.com/relaykit/relay/coordinator"
	"github.com/relaykit/relay/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "relayd:", err)
		os.Exit(1)
	}
}

func loadConfig() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigName("relayd")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/relayd")
	v.SetEnvPrefix("RELAYD")
	v.AutomaticEnv()

	v.SetDefault("addr", ":8080")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("frontend_dir", "")
	v.SetDefault("reauthorize_on_publish", false)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.channel", coordinator.DefaultChannel)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// jwtAuthHandler validates a bearer token from the login credentials and
// derives the connection's auth state from its claims.
func jwtAuthHandler(secret string) server.AuthHandler {
	return func(ctx context.Context, credentials any, conn *server.Connection) (*relay.Auth, error) {
		payload, ok := credentials.(map[string]any)
		if !ok {
			return nil, relay.ErrInvalidRequest()
		}
		tokenString, ok := payload["token"].(string)
		if !ok || tokenString == "" {
			return nil, relay.ErrInvalidRequest()
		}

		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			return nil, relay.ErrForbidden()
		}

		subject, err := token.Claims.GetSubject()
		if err != nil || subject == "" {
			return nil, relay.ErrForbidden()
		}

		return &relay.Auth{
			Public:  map[string]any{"userId": subject},
			Private: token.Claims,
			UserID:  subject,
		}, nil
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()

	serverCfg := server.Config{
		Addr:                 cfg.GetString("addr"),
		CheckOrigin:          server.AllOrigins(),
		FrontendDir:          cfg.GetString("frontend_dir"),
		ReauthorizeOnPublish: cfg.GetBool("reauthorize_on_publish"),
		Logger:               logger,
	}
	if secret := cfg.GetString("jwt_secret"); secret != "" {
		serverCfg.AuthHandler = jwtAuthHandler(secret)
	}

	srv := server.New(serverCfg)

	err = srv.Endpoints.RegisterPublic(server.EndpointSpec{
		Name:         "echo",
		ParamsSchema: `{"type":"object"}`,
	}, func(ctx context.Context, params any, auth *relay.Auth, req *server.Req) (any, error) {
		return params, nil
	})
	if err != nil {
		return err
	}

	err = srv.Topics.Register("room",
		func(ctx context.Context, topic string, auth *relay.Auth, conn *server.Connection) (bool, error) {
			return auth != nil, nil
		},
		func(ctx context.Context, topic string, auth *relay.Auth) (bool, error) {
			return auth != nil, nil
		},
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if redisAddr := cfg.GetString("redis.addr"); redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		coord := coordinator.New(srv, client, cfg.GetString("redis.channel"), logger)
		srv.SetRelay(coord)
		go func() {
			if err := coord.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("coordinator stopped", zap.Error(err))
			}
		}()
	}

	if err := srv.Start(ctx); err != nil {
		return err
	}
	logger.Info("relayd listening", zap.String("addr", serverCfg.Addr))

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Stop(stopCtx)
}

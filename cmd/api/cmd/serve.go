package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/signalix/stepup/internal/auth"
	"github.com/signalix/stepup/internal/cache"
	httphandler "github.com/signalix/stepup/internal/http"
	"github.com/signalix/stepup/internal/middleware"
	"github.com/signalix/stepup/internal/notify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API (default)",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, logger := a.cfg, a.logger

	redisClient, err := cache.Open(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return err
	}
	defer redisClient.Close()
	store := cache.NewRedis(redisClient)

	engine, err := a.totp()
	if err != nil {
		return err
	}
	tokens, err := auth.NewTokenService(cfg.JWTPrivateKey, cfg.JWTPublicKey, cfg.JWTIssuer, cfg.JWTAudience, nil)
	if err != nil {
		return err
	}
	tokens.WithLogger(logger)

	var notifier auth.Notifier
	if cfg.SMTPEnabled() {
		smtpNotifier, err := notify.NewSMTPNotifier(cfg.SMTPServer, cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPFrom)
		if err != nil {
			return err
		}
		notifier = smtpNotifier
	} else {
		logger.Warn("SMTP is not configured; OTP emails are written to the log")
		notifier = notify.NewLogNotifier(logger, cfg.DevMode)
	}

	sessions := auth.NewSessionStore(store, cfg.SessionTTL, nil)
	stepUp := auth.NewStepUp(store, a.users, sessions, engine, tokens, notifier, auth.StepUpConfig{
		TOTPIssuer:  cfg.TOTPIssuer,
		ElevatedTTL: cfg.ElevatedTTL,
		OpTimeout:   cfg.OpTimeout,
		Logger:      logger,
	})
	authService := auth.NewAuthService(a.users, sessions, stepUp, logger)

	router := httphandler.NewRouter(httphandler.Deps{
		AuthService: authService,
		StepUp:      stepUp,
		Sessions:    sessions,
		Users:       a.users,
		Cache:       store,
		Cookies: middleware.Cookies{
			SessionName: cfg.SessionName,
			TokenName:   cfg.JWTCookieName,
			Secure:      !cfg.DevMode,
			SessionTTL:  sessions.TTL(),
			ElevatedTTL: stepUp.ElevatedTTL(),
		},
		OpTimeout: stepUp.OpTimeout(),
		Logger:    logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("port", cfg.Port), zap.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed to start: %w", err)
		}
		return nil
	case <-quit:
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server exited")
	return nil
}

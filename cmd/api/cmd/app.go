package cmd

import (
	"context"
	"fmt"

	"github.com/signalix/stepup/internal/auth"
	"github.com/signalix/stepup/internal/config"
	"github.com/signalix/stepup/internal/db"
	"github.com/signalix/stepup/internal/logging"
	"github.com/signalix/stepup/internal/repo"
	"go.uber.org/zap"
)

// app holds what every subcommand needs: configuration, a logger and the
// credential store.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	users   repo.UserRepo
	closers []func()
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, err := logging.New(cfg.DevMode)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	a := &app{cfg: cfg, logger: logger}
	if err := a.openUsers(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openUsers(ctx context.Context) error {
	switch a.cfg.StoreDriver {
	case config.StorePostgres:
		database, err := db.Open(ctx, a.cfg.DatabaseURL, a.logger)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() { _ = database.Close() })
		if err := db.Migrate(database); err != nil {
			return err
		}
		a.users = repo.NewUserRepo(database)

	case config.StoreMongo:
		client, err := db.ConnectMongo(ctx, a.cfg.MongoURI, a.logger)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() { _ = client.Disconnect(context.Background()) })
		col := client.Database(a.cfg.MongoDB).Collection(db.UsersCollection)
		if err := repo.EnsureUserIndexes(ctx, col); err != nil {
			return fmt.Errorf("failed to create user indexes: %w", err)
		}
		a.users = repo.NewMongoUserRepo(col)

	case config.StoreMemory:
		a.logger.Warn("using in-memory user store; users are lost on exit")
		a.users = repo.NewMemoryUserRepo()
	}
	return nil
}

func (a *app) totp() (*auth.TOTP, error) {
	return auth.NewTOTP(a.cfg.TOTPAlgorithm, a.cfg.TOTPDigits, a.cfg.TOTPPeriod, a.cfg.TOTPSkew)
}

// Close releases store connections in reverse order and flushes the logger
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	_ = a.logger.Sync()
}

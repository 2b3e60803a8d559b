package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/soaringjerry/Sensora/internal/config"
	dbstore "github.com/soaringjerry/Sensora/internal/db"
	"github.com/soaringjerry/Sensora/internal/logger"
	"github.com/soaringjerry/Sensora/internal/middleware"
	"github.com/soaringjerry/Sensora/internal/redisstore"
	"github.com/soaringjerry/Sensora/internal/services"
)

var (
	cfg config.Config
	log *logger.Logger
)

var rootCmd = &cobra.Command{
	Use:   "sensora",
	Short: "Sensora sensory-evaluation panel server",
	Long: `Sensora runs blind tasting panels: administrators prepare events and
randomize sample presentation, evaluators rate coded samples in a fixed order
and see the products revealed after each product type.

Run without a subcommand to start the HTTP server.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		log, err = logger.New(cfg.LogMode)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			log.Sync()
		}
	},
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd, seedCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app holds the wired services shared by serve and seed.
type app struct {
	db      *sql.DB
	store   *dbstore.SQLiteStore
	authn   *middleware.Authenticator
	users   *services.AuthService
	events  *services.EventService
	rnd     *services.RandomizationService
	gateway *services.SubmissionGateway
	flow    *services.FlowController
	guard   services.InFlightGuard
	closers []func() error
}

func openApp(ctx context.Context, c config.Config, l *logger.Logger) (*app, error) {
	design, err := services.ParseDesign(c.RandomizationDesign)
	if err != nil {
		return nil, err
	}
	sqlDB, err := dbstore.Open(c.SQLitePath)
	if err != nil {
		return nil, err
	}
	a := &app{db: sqlDB, closers: []func() error{sqlDB.Close}}
	applied, err := dbstore.RunMigrations(ctx, sqlDB, c.MigrationsDir)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if len(applied) > 0 {
		l.Info("applied migrations", "files", applied)
	}
	a.store, err = dbstore.NewSQLiteStore(sqlDB, l)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	if c.RedisAddr != "" {
		rg, err := redisstore.NewInFlight(l, c.RedisAddr, c.RedisPrefix)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.guard = rg
		a.closers = append(a.closers, rg.Close)
	} else {
		a.guard = services.NewMemoryInFlight()
	}

	a.authn = middleware.NewAuthenticator(c.JWTSecret)
	a.users = services.NewAuthService(a.store, a.authn.SignToken, c.TokenTTL, c.EvaluatorPositions)
	a.events = services.NewEventService(a.store, l, c.EvaluatorPositions)
	a.rnd = services.NewRandomizationService(a.store, l, c.EvaluatorPositions, design)
	a.gateway = services.NewSubmissionGateway(a.store, l)
	a.flow = services.NewFlowController(a.store, services.NewSequencer(a.store, l), a.gateway, a.guard, c.InFlightTTL, l)
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

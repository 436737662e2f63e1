package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/dukerupert/rollcall/internal/attendance"
	"github.com/dukerupert/rollcall/internal/backup"
	"github.com/dukerupert/rollcall/internal/config"
	"github.com/dukerupert/rollcall/internal/database"
	"github.com/dukerupert/rollcall/internal/logging"
	"github.com/dukerupert/rollcall/internal/redisstore"
	"github.com/dukerupert/rollcall/internal/server"
	"github.com/dukerupert/rollcall/internal/store"
	"github.com/dukerupert/rollcall/internal/token"
	"github.com/dukerupert/rollcall/internal/websocket"
)

const usage = `usage: rollcall [command]

commands:
  (none)                       run the server
  backup                       take one encrypted backup and exit
  backups                      list recent backups
  decrypt-backup <in> <out>    decrypt a backup file with ROLLCALL_BACKUP_PASSPHRASE`

func main() {
	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration:\n%v\n", err)
		os.Exit(2)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 {
		cmd = args[0]
	}

	switch cmd {
	case "":
		err = serve(ctx, cfg, logger)
	case "backup":
		err = backupOnce(ctx, cfg, logger)
	case "backups":
		err = listBackups(ctx, cfg, logger)
	case "decrypt-backup":
		if len(args) != 3 {
			fmt.Fprintln(os.Stderr, usage)
			os.Exit(2)
		}
		err = backup.DecryptFile(args[1], args[2], cfg.Backup.Passphrase)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Error("rollcall failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}

func newBackupManager(cfg *config.Config, db *sql.DB, logger *slog.Logger) *backup.Manager {
	b := cfg.Backup
	return backup.NewManager(backup.Config{
		Dir:           b.Dir,
		Passphrase:    b.Passphrase,
		Interval:      b.Interval,
		RetentionDays: b.RetentionDays,
		S3: backup.S3Config{
			Endpoint:  b.S3Endpoint,
			Bucket:    b.S3Bucket,
			Region:    b.S3Region,
			AccessKey: b.S3AccessKey,
			SecretKey: b.S3SecretKey,
		},
	}, db, store.NewBackupStore(db), logger.With("component", "backup"))
}

func backupOnce(ctx context.Context, cfg *config.Config, logger *slog.Logger) (err error) {
	if !cfg.Backup.Enabled() {
		return errors.New("ROLLCALL_BACKUP_DIR and ROLLCALL_BACKUP_PASSPHRASE are required")
	}
	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer multierr.AppendInvoke(&err, multierr.Close(db))

	mgr := newBackupManager(cfg, db, logger)
	rec, err := mgr.RunNow(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("backup %d written to %s (%d bytes)\n", rec.ID, rec.Filename, rec.SizeBytes)
	return mgr.Cleanup(ctx)
}

func listBackups(ctx context.Context, cfg *config.Config, logger *slog.Logger) (err error) {
	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer multierr.AppendInvoke(&err, multierr.Close(db))

	history, err := newBackupManager(cfg, db, logger).History(ctx, 20)
	if err != nil {
		return err
	}
	for _, b := range history {
		fmt.Printf("%d\t%s\t%s\t%d\t%s\n", b.ID, b.CreatedAt.Format(time.RFC3339), b.Status, b.SizeBytes, b.Filename)
	}
	return nil
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) (err error) {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.UsesDevSecrets() {
		logger.Warn("using development token secrets; set ROLLCALL_TOKEN_KEY and ROLLCALL_TOKEN_IV")
	}

	codec, err := token.NewCodec(token.Secrets{Key: cfg.TokenKey, IV: cfg.TokenIV})
	if err != nil {
		return err
	}
	hub := websocket.NewHub(logger.With("component", "websocket"))

	deps := attendance.Deps{
		Codec:     codec,
		Publisher: hub,
		Logger:    logger.With("component", "attendance"),
	}
	var (
		ping      func(context.Context) error
		backupMgr *backup.Manager
	)

	if cfg.Redis.Addr != "" {
		var client *redis.Client
		client, err = redisstore.Connect(ctx, redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer multierr.AppendInvoke(&err, multierr.Close(client))

		deps.Sessions = redisstore.NewSessionStore(client, redisstore.DefaultPrefix)
		deps.Records = redisstore.NewRecordStore(client, redisstore.DefaultPrefix)
		ping = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		if cfg.Backup.Enabled() {
			logger.Warn("database backups are not available with the redis backend")
		}
		logger.Info("using redis storage", "addr", cfg.Redis.Addr)
	} else {
		var db *sql.DB
		db, err = database.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer multierr.AppendInvoke(&err, multierr.Close(db))

		deps.Sessions = store.NewSessionStore(db)
		deps.Records = store.NewRecordStore(db)
		ping = db.PingContext
		if cfg.Backup.Enabled() {
			backupMgr = newBackupManager(cfg, db, logger)
			if err := backupMgr.LoadLastBackup(ctx); err != nil {
				logger.Warn("load last backup", "error", err)
			}
		}
		logger.Info("using sqlite storage", "path", cfg.DBPath)
	}

	mgr := attendance.NewManager(cfg.Attendance(), deps)
	srv := server.New(server.Config{
		JWTSecret: []byte(cfg.JWTSecret),
		WSOrigins: cfg.WSOrigins,
		Ping:      ping,
	}, mgr, hub, backupMgr, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if backupMgr != nil {
		backupMgr.Start(ctx)
		defer backupMgr.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("rollcall listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return srv.RateLimiter().RunCleanup(gctx, 5*time.Minute)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

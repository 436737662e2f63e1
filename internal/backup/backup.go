// Package backup snapshots the attendance database, encrypts the snapshot,
// keeps it in a local directory and optionally copies it to S3-compatible
// storage.
package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sethvargo/go-retry"
	"go.uber.org/multierr"

	"github.com/dukerupert/rollcall/internal/model"
	"github.com/dukerupert/rollcall/internal/store"
)

// s3Client is an interface for testability.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

func (c S3Config) enabled() bool {
	return c.Bucket != "" && c.AccessKey != "" && c.SecretKey != ""
}

type Config struct {
	Dir           string
	Passphrase    string
	Interval      time.Duration
	RetentionDays int
	S3            S3Config
}

// State represents the backup manager state.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateDisabled State = "disabled"
	StateError    State = "error"
)

// Status holds the current backup manager status.
type Status struct {
	State      State      `json:"state"`
	LastBackup *time.Time `json:"last_backup,omitempty"`
	Error      string     `json:"error,omitempty"`
	InProgress bool       `json:"in_progress"`
}

const s3KeyPrefix = "rollcall/"

// Manager runs encrypted backups on a schedule.
type Manager struct {
	mu     sync.RWMutex
	cfg    Config
	status Status

	db          *sql.DB
	backupStore *store.BackupStore
	client      s3Client
	now         func() time.Time
	backoff     func() retry.Backoff
	logger      *slog.Logger

	// serializes runs; scheduled and manual backups never overlap
	runMu sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(cfg Config, db *sql.DB, bs *store.BackupStore, logger *slog.Logger) *Manager {
	m := &Manager{
		cfg:         cfg,
		db:          db,
		backupStore: bs,
		now:         func() time.Time { return time.Now().UTC() },
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))
		},
		logger: logger,
		status: Status{State: StateDisabled},
	}
	if cfg.Dir != "" && cfg.Passphrase != "" {
		m.status.State = StateIdle
	}
	if cfg.S3.enabled() {
		m.client = newS3Client(cfg.S3)
	}
	return m
}

func newS3Client(cfg S3Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

// Start begins the scheduled backup loop. It is a no-op when disabled.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.status.State == StateDisabled || m.cfg.Interval <= 0 {
		m.mu.Unlock()
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	interval := m.cfg.Interval
	m.mu.Unlock()

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.scheduled(ctx)
			}
		}
	}()
}

// Stop gracefully stops the backup manager.
func (m *Manager) Stop() {
	m.mu.RLock()
	cancel := m.cancel
	done := m.done
	m.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Status returns the current backup status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	if s.LastBackup == nil {
		s.LastBackup = m.status.LastBackup
	}
	m.status = s
	m.mu.Unlock()
}

func (m *Manager) scheduled(ctx context.Context) {
	if _, err := m.RunNow(ctx); err != nil {
		m.logger.Error("scheduled backup failed", "error", err)
	}
	if err := m.Cleanup(ctx); err != nil {
		m.logger.Error("backup cleanup failed", "error", err)
	}
}

// RunNow takes one backup immediately.
func (m *Manager) RunNow(ctx context.Context) (*model.Backup, error) {
	if m.Status().State == StateDisabled {
		return nil, errors.New("backup not configured: directory and passphrase required")
	}
	m.runMu.Lock()
	defer m.runMu.Unlock()

	m.setStatus(Status{State: StateRunning, InProgress: true})
	rec, err := m.run(ctx)
	if err != nil {
		m.setStatus(Status{State: StateError, Error: err.Error()})
		if rec != nil {
			if uerr := m.backupStore.UpdateStatus(ctx, rec.ID, model.BackupStatusFailed, err.Error()); uerr != nil {
				err = multierr.Append(err, uerr)
			}
		}
		return nil, err
	}

	done := m.now()
	m.setStatus(Status{State: StateIdle, LastBackup: &done})
	m.logger.Info("backup completed", "id", rec.ID, "file", rec.Filename, "size", rec.SizeBytes)
	return rec, nil
}

func (m *Manager) run(ctx context.Context) (*model.Backup, error) {
	start := m.now()
	filename := fmt.Sprintf("rollcall-%s.db.enc", start.Format("2006-01-02T150405.000Z"))
	var s3Key string
	if m.client != nil {
		s3Key = s3KeyPrefix + filename
	}

	rec, err := m.backupStore.Create(ctx, filename, s3Key, start)
	if err != nil {
		return nil, fmt.Errorf("create backup record: %w", err)
	}

	if err := os.MkdirAll(m.cfg.Dir, 0o700); err != nil {
		return rec, fmt.Errorf("create backup dir: %w", err)
	}

	snapshot := filepath.Join(m.cfg.Dir, fmt.Sprintf(".snapshot-%d.db", rec.ID))
	defer os.Remove(snapshot)

	// VACUUM INTO writes a consistent copy without blocking writers for
	// longer than the copy itself.
	if _, err := m.db.ExecContext(ctx, "VACUUM INTO ?", snapshot); err != nil {
		return rec, fmt.Errorf("snapshot database: %w", err)
	}

	dst := filepath.Join(m.cfg.Dir, filename)
	size, err := EncryptFile(snapshot, dst, m.cfg.Passphrase)
	if err != nil {
		return rec, fmt.Errorf("encrypt: %w", err)
	}

	if m.client != nil {
		if err := m.backupStore.UpdateStatus(ctx, rec.ID, model.BackupStatusUploading, ""); err != nil {
			return rec, err
		}
		if err := m.upload(ctx, dst, s3Key, size); err != nil {
			return rec, err
		}
	}

	if err := m.backupStore.UpdateCompleted(ctx, rec.ID, size, m.now()); err != nil {
		return rec, err
	}
	rec.SizeBytes = size
	rec.Status = model.BackupStatusCompleted
	return rec, nil
}

func (m *Manager) upload(ctx context.Context, path, key string, size int64) error {
	return retry.Do(ctx, m.backoff(), func(ctx context.Context) error {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open encrypted file: %w", err)
		}
		defer f.Close()

		_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(m.cfg.S3.Bucket),
			Key:           aws.String(key),
			Body:          f,
			ContentLength: aws.Int64(size),
		})
		if err != nil {
			m.logger.Warn("s3 upload attempt failed", "key", key, "error", err)
			return retry.RetryableError(fmt.Errorf("upload to s3: %w", err))
		}
		return nil
	})
}

// Cleanup deletes backups older than the retention period, locally and in
// S3. Failures for individual files are collected and do not stop the rest.
func (m *Manager) Cleanup(ctx context.Context) error {
	if m.cfg.RetentionDays <= 0 {
		return nil
	}
	before := m.now().AddDate(0, 0, -m.cfg.RetentionDays)
	old, err := m.backupStore.DeleteOlderThan(ctx, before)
	if err != nil {
		return fmt.Errorf("delete old backups: %w", err)
	}

	var errs error
	for _, b := range old {
		path := filepath.Join(m.cfg.Dir, b.Filename)
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = multierr.Append(errs, fmt.Errorf("remove %s: %w", b.Filename, err))
		}
		if b.S3Key != "" && m.client != nil {
			if _, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(m.cfg.S3.Bucket),
				Key:    aws.String(b.S3Key),
			}); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("delete s3 object %s: %w", b.S3Key, err))
			}
		}
	}
	if len(old) > 0 {
		m.logger.Info("pruned old backups", "count", len(old))
	}
	return errs
}

// LoadLastBackup seeds the status with the most recent completed backup so
// it survives restarts.
func (m *Manager) LoadLastBackup(ctx context.Context) error {
	b, err := m.backupStore.LatestCompleted(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.status.LastBackup = b.CompletedAt
	m.mu.Unlock()
	return nil
}

// History lists the most recent backups, newest first.
func (m *Manager) History(ctx context.Context, limit int) ([]model.Backup, error) {
	return m.backupStore.List(ctx, limit)
}

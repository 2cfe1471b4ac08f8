package archive

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	_ "modernc.org/sqlite"

	"github.com/ergashev/TeleComfy/internal/task"
	"github.com/ergashev/TeleComfy/internal/topics"
	"github.com/ergashev/TeleComfy/internal/transport"
	logx "github.com/ergashev/TeleComfy/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

var ErrNotFound = errors.New("archived task not found")

type Config struct {
	Path        string
	BusyTimeout time.Duration
	// Retention bounds how long finalized tasks are kept. <= 0 keeps
	// them forever and disables the sweep.
	Retention time.Duration
	// SweepSchedule is a cron spec for the retention sweep.
	SweepSchedule string
}

// Archive persists finalized tasks to sqlite so regeneration survives a
// restart and operators can inspect history. Writes are best effort: an
// archive failure never fails the task.
type Archive struct {
	db  *sql.DB
	log logx.Logger

	retention time.Duration
	cron      *cron.Cron
}

func Open(cfg Config, log logx.Logger) (*Archive, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("archive path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	a := &Archive{db: db, log: log.With(logx.String("component", "archive")), retention: cfg.Retention}
	if err := a.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	if cfg.Retention > 0 && strings.TrimSpace(cfg.SweepSchedule) != "" {
		a.cron = cron.New()
		_, err := a.cron.AddFunc(cfg.SweepSchedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			n, err := a.Sweep(ctx)
			if err != nil {
				a.log.Warn("retention sweep failed", logx.Err(err))
				return
			}
			if n > 0 {
				a.log.Info("retention sweep", logx.Int64("removed", n))
			}
		})
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sweep schedule %q: %w", cfg.SweepSchedule, err)
		}
		a.cron.Start()
	}
	return a, nil
}

func (a *Archive) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = a.db.ExecContext(ctx, string(b))
	return err
}

func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	if a.cron != nil {
		<-a.cron.Stop().Done()
	}
	return a.db.Close()
}

// ArchiveTask records a finalized task. Implements the dispatcher's
// Archiver; errors are logged, not returned.
func (a *Archive) ArchiveTask(t *task.Task) {
	if a == nil || a.db == nil || t == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.put(ctx, t); err != nil {
		a.log.Warn("archive write failed", logx.String("task", t.ID), logx.Err(err))
	}
}

func (a *Archive) put(ctx context.Context, t *task.Task) error {
	params, err := json.Marshal(t.Params)
	if err != nil {
		return err
	}
	inline, err := json.Marshal(t.InlineParams)
	if err != nil {
		return err
	}
	atts, err := json.Marshal(t.Attachments)
	if err != nil {
		return err
	}
	_, err = a.db.ExecContext(ctx,
		`INSERT INTO tasks(id, topic_id, user_id, status, modality, params, inline_params, prompt, attachments,
		                   created_at, queued_at, started_at, finished_at,
		                   origin_task_id, canceled_by_admin, fail_reason)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, finished_at=excluded.finished_at,
		                               fail_reason=excluded.fail_reason`,
		t.ID, t.TopicID, t.UserID, string(t.Status), string(t.Modality), string(params), string(inline), t.Prompt, string(atts),
		timeStr(t.CreatedAt), nullTime(t.QueuedAt), nullTime(t.StartedAt), timeStr(t.FinishedAt),
		t.OriginTaskID, t.CanceledByAdmin, t.FailReason,
	)
	return err
}

// Record is an archived task row, enough to rebuild a regeneration.
type Record struct {
	ID           string
	TopicID      string
	UserID       int64
	Status       task.Status
	Modality     topics.Modality
	Params       map[string]any
	InlineParams []string
	Prompt       string
	Attachments  []transport.Attachment
	FinishedAt   time.Time
}

// Get looks up an archived task, used when a regenerate button refers to
// a task that is no longer in memory.
func (a *Archive) Get(ctx context.Context, id string) (*Record, error) {
	if a == nil || a.db == nil {
		return nil, ErrNotFound
	}
	var (
		r          Record
		status     string
		modality   string
		params     sql.NullString
		inline     sql.NullString
		atts       sql.NullString
		finishedAt string
	)
	err := a.db.QueryRowContext(ctx,
		`SELECT id, topic_id, user_id, status, modality, params, inline_params, prompt, attachments, finished_at
		   FROM tasks WHERE id = ?`, id).
		Scan(&r.ID, &r.TopicID, &r.UserID, &status, &modality, &params, &inline, &r.Prompt, &atts, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Status = task.Status(status)
	r.Modality = topics.Modality(modality)
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &r.Params); err != nil {
			return nil, fmt.Errorf("decode params of %s: %w", id, err)
		}
	}
	if inline.Valid && inline.String != "" {
		if err := json.Unmarshal([]byte(inline.String), &r.InlineParams); err != nil {
			return nil, fmt.Errorf("decode inline params of %s: %w", id, err)
		}
	}
	if atts.Valid && atts.String != "" {
		if err := json.Unmarshal([]byte(atts.String), &r.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments of %s: %w", id, err)
		}
	}
	if ts, err := time.Parse(time.RFC3339Nano, finishedAt); err == nil {
		r.FinishedAt = ts
	}
	return &r, nil
}

// Sweep removes tasks finalized before the retention cutoff.
func (a *Archive) Sweep(ctx context.Context) (int64, error) {
	if a == nil || a.db == nil || a.retention <= 0 {
		return 0, nil
	}
	cutoff := timeStr(time.Now().Add(-a.retention))
	res, err := a.db.ExecContext(ctx, `DELETE FROM tasks WHERE finished_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func timeStr(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return timeStr(t)
}

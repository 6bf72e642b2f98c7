// Package jobs decouples request latency from long-running agent work.
// Jobs are persisted in SQLite and leased with a visibility timeout, so
// a worker crash before acknowledgment makes the job visible again:
// delivery is at-least-once. There is no automatic retry of failed
// handlers; failed jobs stay in the table for deliberate re-enqueueing.
package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jfremy/ancestra/pkg/graph/metrics"
	"github.com/pkg/errors"

	_ "modernc.org/sqlite"
)

// Kind is the closed set of job kinds.
type Kind string

const (
	KindResearch   Kind = "research"
	KindLabelMedia Kind = "label-media"
)

// ResearchPayload triggers an agent orchestrator run.
type ResearchPayload struct {
	PersonID      string `json:"personId"`
	ContributorID string `json:"contributorId"`
}

// LabelMediaPayload triggers the media labeling routine.
type LabelMediaPayload struct {
	MediaID string `json:"mediaId"`
}

// Job is one queued unit of work.
type Job struct {
	ID      string
	Kind    Kind
	Payload string
}

// DecodeResearch parses a research job payload.
func (j *Job) DecodeResearch() (ResearchPayload, error) {
	var p ResearchPayload
	err := json.Unmarshal([]byte(j.Payload), &p)
	return p, errors.Wrapf(err, "decoding research payload for job %s", j.ID)
}

// DecodeLabelMedia parses a label-media job payload.
func (j *Job) DecodeLabelMedia() (LabelMediaPayload, error) {
	var p LabelMediaPayload
	err := json.Unmarshal([]byte(j.Payload), &p)
	return p, errors.Wrapf(err, "decoding label-media payload for job %s", j.ID)
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'queued',
	lease_expires_at INTEGER,
	error TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, created_at);
`

// Queue is the durable job queue. One Queue holds one database handle
// per process; Close is idempotent.
type Queue struct {
	db *sql.DB
}

// Open creates (or opens) the queue database at path and applies the
// schema. ":memory:" is accepted for tests. The server and the worker
// open the same file, so WAL and a busy timeout are required for the
// two processes to interleave enqueues and lease claims.
func Open(path string) (*Queue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "opening job queue database")
	}
	// Serialize this process's access through one connection.
	db.SetMaxOpenConns(1)
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "applying %q", p)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "applying job queue schema")
	}
	return &Queue{db: db}, nil
}

// Close releases the database handle.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue persists a job and returns its handle immediately; execution
// happens on a worker, never on the caller's path.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, payload interface{}) (string, error) {
	if kind != KindResearch && kind != KindLabelMedia {
		return "", errors.Errorf("unknown job kind %q", kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(err, "encoding job payload")
	}
	id := uuid.NewString()
	now := time.Now().Unix()
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO jobs (id, kind, payload, status, created_at, updated_at)
		VALUES (?, ?, ?, 'queued', ?, ?)`,
		id, string(kind), string(raw), now, now)
	if err != nil {
		return "", errors.Wrap(err, "enqueueing job")
	}
	metrics.JobsEnqueued.WithLabelValues(string(kind)).Inc()
	return id, nil
}

// Lease claims the oldest deliverable job for the visibility window.
// Deliverable means queued, or leased with an expired lease (the
// redelivery path). Returns nil when the queue is empty. The claim is
// one conditional UPDATE, so the write lock is taken up front instead
// of being upgraded from a read lock mid-transaction.
func (q *Queue) Lease(ctx context.Context, visibility time.Duration) (*Job, error) {
	now := time.Now().Unix()
	expiry := time.Now().Add(visibility).Unix()

	job := &Job{}
	var kind string
	err := q.db.QueryRowContext(ctx,
		`UPDATE jobs SET status = 'leased', lease_expires_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'queued' OR (status = 'leased' AND lease_expires_at < ?)
			ORDER BY created_at LIMIT 1
		)
		RETURNING id, kind, payload`,
		expiry, now, now).Scan(&job.ID, &kind, &job.Payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "claiming job lease")
	}
	job.Kind = Kind(kind)
	return job, nil
}

// Ack marks a leased job done.
func (q *Queue) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'done', updated_at = ? WHERE id = ?`,
		time.Now().Unix(), id)
	return errors.Wrapf(err, "acknowledging job %s", id)
}

// Fail marks a leased job failed with the handler's error. Failed jobs
// are not redelivered.
func (q *Queue) Fail(ctx context.Context, id, message string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'failed', error = ?, updated_at = ? WHERE id = ?`,
		message, time.Now().Unix(), id)
	return errors.Wrapf(err, "failing job %s", id)
}

// Status returns a job's status and error text, for operators.
func (q *Queue) Status(ctx context.Context, id string) (string, string, error) {
	var status string
	var errText sql.NullString
	err := q.db.QueryRowContext(ctx,
		`SELECT status, error FROM jobs WHERE id = ?`, id).Scan(&status, &errText)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", errors.Errorf("job %s not found", id)
	}
	if err != nil {
		return "", "", errors.Wrapf(err, "loading job %s", id)
	}
	return status, errText.String, nil
}

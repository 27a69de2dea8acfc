// Package state persists per-student problem state.
//
// The engine itself is rebuilt per request, so all concurrency control
// lives here: Update serializes read-modify-write cycles per key, which is
// what keeps two simultaneous check actions from double-counting attempts.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opencapa/capa-engine/internal/capa"
	"github.com/opencapa/capa-engine/internal/db"
)

var ErrNotFound = errors.New("problem state not found")

// Key identifies one student's state for one problem.
type Key struct {
	CourseID  string
	UserID    string
	ProblemID string
}

func (k Key) String() string {
	return k.CourseID + "/" + k.UserID + "/" + k.ProblemID
}

// Store reads and writes problem state. Update runs fn with the current
// state (nil when absent) and persists its result; concurrent Updates on
// the same key are serialized.
type Store interface {
	Get(ctx context.Context, key Key) (*capa.State, error)
	Put(ctx context.Context, key Key, st *capa.State) error
	Update(ctx context.Context, key Key, fn func(prior *capa.State) (*capa.State, error)) error
}

// SQLStore keeps state in the problem_state table.
type SQLStore struct {
	DB     *sql.DB
	Driver db.Driver
}

func NewSQLStore(database *sql.DB, driver db.Driver) *SQLStore {
	return &SQLStore{DB: database, Driver: driver}
}

func (s *SQLStore) Get(ctx context.Context, key Key) (*capa.State, error) {
	var raw []byte
	err := s.DB.QueryRowContext(ctx,
		`SELECT state_json FROM problem_state WHERE course_id=$1 AND user_id=$2 AND problem_id=$3`,
		key.CourseID, key.UserID, key.ProblemID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get state %s: %w", key, err)
	}
	return capa.ParseState(raw)
}

func (s *SQLStore) Put(ctx context.Context, key Key, st *capa.State) error {
	raw, err := capa.MarshalState(st)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO problem_state (course_id, user_id, problem_id, state_json, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (course_id, user_id, problem_id)
		DO UPDATE SET state_json = excluded.state_json, updated_at = excluded.updated_at`,
		key.CourseID, key.UserID, key.ProblemID, string(raw), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("put state %s: %w", key, err)
	}
	return nil
}

// Update wraps fn in a transaction. On postgres the row is locked with
// SELECT ... FOR UPDATE; sqlite's writer lock serializes for us.
func (s *SQLStore) Update(ctx context.Context, key Key, fn func(prior *capa.State) (*capa.State, error)) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `SELECT state_json FROM problem_state WHERE course_id=$1 AND user_id=$2 AND problem_id=$3`
	if s.Driver == db.DriverPostgres {
		query += " FOR UPDATE"
	}
	var raw []byte
	err = tx.QueryRowContext(ctx, query, key.CourseID, key.UserID, key.ProblemID).Scan(&raw)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("lock state %s: %w", key, err)
	}
	var prior *capa.State
	if len(raw) > 0 {
		if prior, err = capa.ParseState(raw); err != nil {
			return err
		}
	}
	next, err := fn(prior)
	if err != nil {
		return err
	}
	out, err := capa.MarshalState(next)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO problem_state (course_id, user_id, problem_id, state_json, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (course_id, user_id, problem_id)
		DO UPDATE SET state_json = excluded.state_json, updated_at = excluded.updated_at`,
		key.CourseID, key.UserID, key.ProblemID, string(out), time.Now().Unix()); err != nil {
		return fmt.Errorf("write state %s: %w", key, err)
	}
	return tx.Commit()
}

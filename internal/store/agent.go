package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/paseohq/paseo/internal/util/timefmt"
)

// ErrNotFound is returned when a lookup by id finds no row.
var ErrNotFound = errors.New("store: not found")

// AgentRecord is the durable row for an agent. provider, cwd, and
// createdAt are immutable once created; archivedAt is monotonic.
type AgentRecord struct {
	ID              string
	Provider        string
	Cwd             string
	Title           string
	ModeID          string
	Model           string
	AvailableModes  []string
	Capabilities    map[string]bool
	Config          map[string]interface{}
	Labels          map[string]string
	LifecycleState  string
	Epoch           int
	CreatedAt       time.Time
	LastActivityAt  time.Time
	ArchivedAt      *time.Time
}

// Store is the C1 persistence component: the sqlite-backed catalog
// described in the package doc.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) CreateAgent(ctx context.Context, a *AgentRecord) error {
	modesJSON, err := json.Marshal(a.AvailableModes)
	if err != nil {
		return err
	}
	capsJSON, err := json.Marshal(a.Capabilities)
	if err != nil {
		return err
	}
	cfgJSON, err := json.Marshal(a.Config)
	if err != nil {
		return err
	}
	labelsJSON, err := json.Marshal(a.Labels)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, provider, cwd, title, mode_id, model, available_modes,
			capabilities, config, labels, lifecycle_state, epoch, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Provider, a.Cwd, a.Title, a.ModeID, a.Model, string(modesJSON),
		string(capsJSON), string(cfgJSON), string(labelsJSON), a.LifecycleState, a.Epoch,
		timefmt.Format(a.CreatedAt), timefmt.Format(a.LastActivityAt))
	if err != nil {
		return fmt.Errorf("store: create agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*AgentRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, provider, cwd, title, mode_id, model, available_modes, capabilities,
			config, labels, lifecycle_state, epoch, created_at, last_activity_at, archived_at
		FROM agents WHERE id = ?`, id)
	return scanAgent(row)
}

func (s *Store) ListAgents(ctx context.Context, includeArchived bool) ([]*AgentRecord, error) {
	q := `SELECT id, provider, cwd, title, mode_id, model, available_modes, capabilities,
		config, labels, lifecycle_state, epoch, created_at, last_activity_at, archived_at
		FROM agents`
	if !includeArchived {
		q += ` WHERE archived_at IS NULL`
	}
	q += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: list agents: %w", err)
	}
	defer rows.Close()

	var out []*AgentRecord
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) SetAgentMode(ctx context.Context, id, modeID string) error {
	return s.touch(ctx, `UPDATE agents SET mode_id = ?, last_activity_at = ? WHERE id = ?`, modeID, id)
}

func (s *Store) SetAgentModel(ctx context.Context, id, model string) error {
	return s.touch(ctx, `UPDATE agents SET model = ?, last_activity_at = ? WHERE id = ?`, model, id)
}

func (s *Store) SetAgentTitle(ctx context.Context, id, title string) error {
	return s.touch(ctx, `UPDATE agents SET title = ?, last_activity_at = ? WHERE id = ?`, title, id)
}

func (s *Store) SetLifecycleState(ctx context.Context, id, state string) error {
	return s.touch(ctx, `UPDATE agents SET lifecycle_state = ?, last_activity_at = ? WHERE id = ?`, state, id)
}

func (s *Store) TouchActivity(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE agents SET last_activity_at = ? WHERE id = ?`,
		timefmt.Format(time.Now()), id)
	return err
}

// BumpEpoch increments an agent's epoch, invalidating cursors from the
// prior epoch. Called on daemon restart attach and provider reset.
func (s *Store) BumpEpoch(ctx context.Context, id string) (int, error) {
	_, err := s.db.ExecContext(ctx, `UPDATE agents SET epoch = epoch + 1 WHERE id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("store: bump epoch: %w", err)
	}
	var epoch int
	err = s.db.QueryRowContext(ctx, `SELECT epoch FROM agents WHERE id = ?`, id).Scan(&epoch)
	return epoch, err
}

// ArchiveAgent sets archivedAt if not already set (monotonic).
func (s *Store) ArchiveAgent(ctx context.Context, id string) (time.Time, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET archived_at = ?, lifecycle_state = 'archived'
		WHERE id = ? AND archived_at IS NULL`, timefmt.Format(now), id)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: archive agent: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Already archived: return the existing archivedAt for idempotency.
		a, err := s.GetAgent(ctx, id)
		if err != nil {
			return time.Time{}, err
		}
		if a.ArchivedAt != nil {
			return *a.ArchivedAt, nil
		}
	}
	return now, nil
}

func (s *Store) touch(ctx context.Context, query string, arg, id string) error {
	_, err := s.db.ExecContext(ctx, query, arg, timefmt.Format(time.Now()), id)
	if err != nil {
		return fmt.Errorf("store: update agent: %w", err)
	}
	return nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row scannable) (*AgentRecord, error) {
	var a AgentRecord
	var modesJSON, capsJSON, cfgJSON, labelsJSON, createdAt, lastActivityAt string
	var archivedAt sql.NullString

	err := row.Scan(&a.ID, &a.Provider, &a.Cwd, &a.Title, &a.ModeID, &a.Model, &modesJSON,
		&capsJSON, &cfgJSON, &labelsJSON, &a.LifecycleState, &a.Epoch, &createdAt,
		&lastActivityAt, &archivedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan agent: %w", err)
	}

	if err := json.Unmarshal([]byte(modesJSON), &a.AvailableModes); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(capsJSON), &a.Capabilities); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(cfgJSON), &a.Config); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(labelsJSON), &a.Labels); err != nil {
		return nil, err
	}
	a.CreatedAt, err = timefmt.Parse(createdAt)
	if err != nil {
		return nil, err
	}
	a.LastActivityAt, err = timefmt.Parse(lastActivityAt)
	if err != nil {
		return nil, err
	}
	if archivedAt.Valid {
		t, err := timefmt.Parse(archivedAt.String)
		if err != nil {
			return nil, err
		}
		a.ArchivedAt = &t
	}
	return &a, nil
}

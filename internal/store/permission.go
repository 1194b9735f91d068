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

// PermissionRequest is the durable row for a provider permission/approval
// prompt. At most one per agent is unresolved at a time per provider rule,
// but the store allows several rows so the manager can decide queueing.
type PermissionRequest struct {
	ID         string
	AgentID    string
	Kind       string
	Name       string
	Payload    map[string]interface{}
	CreatedAt  time.Time
	ResolvedAt *time.Time
	Behavior   string // "allow" | "deny", empty until resolved
	Message    string
}

func (s *Store) CreatePermissionRequest(ctx context.Context, p *PermissionRequest) error {
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO permission_requests (id, agent_id, kind, name, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.AgentID, p.Kind, p.Name, string(payloadJSON), timefmt.Format(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: create permission request: %w", err)
	}
	return nil
}

// ResolvePermissionRequest records the resolution of an outstanding
// request. Returns ErrNotFound if id does not match an unresolved row
// for agentID, so the caller can surface PermissionNotFound.
func (s *Store) ResolvePermissionRequest(ctx context.Context, agentID, id, behavior, message string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE permission_requests SET resolved_at = ?, behavior = ?, message = ?
		WHERE id = ? AND agent_id = ? AND resolved_at IS NULL`,
		timefmt.Format(time.Now()), behavior, message, id, agentID)
	if err != nil {
		return fmt.Errorf("store: resolve permission request: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListOpenPermissionRequests(ctx context.Context, agentID string) ([]*PermissionRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, kind, name, payload, created_at
		FROM permission_requests WHERE agent_id = ? AND resolved_at IS NULL
		ORDER BY created_at ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("store: list open permission requests: %w", err)
	}
	defer rows.Close()

	var out []*PermissionRequest
	for rows.Next() {
		var p PermissionRequest
		var payloadJSON, createdAt string
		if err := rows.Scan(&p.ID, &p.AgentID, &p.Kind, &p.Name, &payloadJSON, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payloadJSON), &p.Payload); err != nil {
			return nil, err
		}
		p.CreatedAt, err = timefmt.Parse(createdAt)
		if err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// PersistenceHandle is a provider's opaque resume descriptor. It is
// saved as its own sqlite row; the write is not coordinated with the
// timeline segment files.
type PersistenceHandle struct {
	AgentID   string
	Provider  string
	SessionID string
	Metadata  map[string]interface{}
	UpdatedAt time.Time
}

func (s *Store) SavePersistenceHandle(ctx context.Context, h *PersistenceHandle) error {
	metaJSON, err := json.Marshal(h.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO persistence_handles (agent_id, provider, session_id, metadata, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			provider = excluded.provider,
			session_id = excluded.session_id,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		h.AgentID, h.Provider, h.SessionID, string(metaJSON), timefmt.Format(h.UpdatedAt))
	if err != nil {
		return fmt.Errorf("store: save persistence handle: %w", err)
	}
	return nil
}

func (s *Store) GetPersistenceHandle(ctx context.Context, agentID string) (*PersistenceHandle, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, provider, session_id, metadata, updated_at
		FROM persistence_handles WHERE agent_id = ?`, agentID)

	var h PersistenceHandle
	var metaJSON, updatedAt string
	err := row.Scan(&h.AgentID, &h.Provider, &h.SessionID, &metaJSON, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get persistence handle: %w", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &h.Metadata); err != nil {
		return nil, err
	}
	h.UpdatedAt, err = timefmt.Parse(updatedAt)
	return &h, err
}

// PairedClient is a client that has consumed a pairing offer: the
// client's public key becomes a long-lived trust anchor the daemon
// recognizes on future relay/direct connections.
type PairedClient struct {
	ClientPublicKey string
	Label           string
	LastSeen        time.Time
}

func (s *Store) UpsertPairedClient(ctx context.Context, p *PairedClient) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO paired_clients (client_public_key, label, last_seen)
		VALUES (?, ?, ?)
		ON CONFLICT(client_public_key) DO UPDATE SET
			label = excluded.label, last_seen = excluded.last_seen`,
		p.ClientPublicKey, p.Label, timefmt.Format(p.LastSeen))
	if err != nil {
		return fmt.Errorf("store: upsert paired client: %w", err)
	}
	return nil
}

func (s *Store) ListPairedClients(ctx context.Context) ([]*PairedClient, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT client_public_key, label, last_seen FROM paired_clients`)
	if err != nil {
		return nil, fmt.Errorf("store: list paired clients: %w", err)
	}
	defer rows.Close()

	var out []*PairedClient
	for rows.Next() {
		var p PairedClient
		var lastSeen string
		if err := rows.Scan(&p.ClientPublicKey, &p.Label, &lastSeen); err != nil {
			return nil, err
		}
		p.LastSeen, err = timefmt.Parse(lastSeen)
		if err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// IsTrusted reports whether publicKey was recorded via a prior
// offer-URL consumption.
func (s *Store) IsTrusted(ctx context.Context, publicKey string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM paired_clients WHERE client_public_key = ?`, publicKey).Scan(&n)
	return n > 0, err
}

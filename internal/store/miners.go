// ABOUTME: Miner persistence for SQLiteStore
// ABOUTME: Upsert by MAC keeps records stable across IP changes and agent moves

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const minerColumns = `m.id, m.agent_id, m.mac, m.ip, m.model, m.worker1, m.worker2, m.worker3,
	m.password_encrypted, m.added_by_scan_at, m.created_at`

func scanMiner(row rowScanner) (*Miner, error) {
	var m Miner
	var addedAt sql.NullString
	var createdAtStr string
	err := row.Scan(&m.ID, &m.AgentID, &m.MAC, &m.IP, &m.Model,
		&m.Worker1, &m.Worker2, &m.Worker3, &m.PasswordEncrypted, &addedAt, &createdAtStr)
	if err != nil {
		return nil, err
	}

	m.AddedByScanAt, err = parseNullTime(addedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing added_by_scan_at: %w", err)
	}
	m.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &m, nil
}

// UpsertMiner records a sighting of a device on an agent's network.
// An existing MAC is reassigned to agentID; its IP is kept when ip is empty
// and its model is only replaced by a non-empty model. New rows are stamped
// with added_by_scan_at.
func (s *SQLiteStore) UpsertMiner(ctx context.Context, agentID int64, mac, ip, model string) (*Miner, error) {
	mac = strings.TrimSpace(mac)
	if mac == "" {
		return nil, fmt.Errorf("upserting miner: empty mac")
	}
	now := formatTime(time.Now())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO miners (agent_id, mac, ip, model, added_by_scan_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(mac) DO UPDATE SET
			agent_id = excluded.agent_id,
			ip = CASE WHEN excluded.ip = '' THEN miners.ip ELSE excluded.ip END,
			model = CASE WHEN excluded.model = '' THEN miners.model ELSE excluded.model END
	`, agentID, mac, ip, model, now, now)
	if err != nil {
		return nil, fmt.Errorf("upserting miner: %w", err)
	}

	return s.GetMinerByMAC(ctx, mac)
}

func (s *SQLiteStore) getMinerWhere(ctx context.Context, where string, arg any) (*Miner, error) {
	m, err := scanMiner(s.db.QueryRowContext(ctx,
		`SELECT `+minerColumns+` FROM miners m WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying miner: %w", err)
	}
	return m, nil
}

// GetMiner retrieves a miner by ID
func (s *SQLiteStore) GetMiner(ctx context.Context, id int64) (*Miner, error) {
	return s.getMinerWhere(ctx, `m.id = ?`, id)
}

// GetMinerByMAC retrieves a miner by hardware address
func (s *SQLiteStore) GetMinerByMAC(ctx context.Context, mac string) (*Miner, error) {
	return s.getMinerWhere(ctx, `m.mac = ?`, strings.TrimSpace(mac))
}

// ListMiners returns miners ordered by ID, optionally narrowed by farm or agent
func (s *SQLiteStore) ListMiners(ctx context.Context, filter MinerFilter) ([]*Miner, error) {
	query := `SELECT ` + minerColumns + ` FROM miners m JOIN agents a ON a.id = m.agent_id WHERE 1=1`
	var args []any
	if filter.AgentID != 0 {
		query += ` AND m.agent_id = ?`
		args = append(args, filter.AgentID)
	}
	if filter.FarmID != 0 {
		query += ` AND a.farm_id = ?`
		args = append(args, filter.FarmID)
	}
	query += ` ORDER BY m.id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying miners: %w", err)
	}
	defer rows.Close()

	var miners []*Miner
	for rows.Next() {
		m, err := scanMiner(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning miner: %w", err)
		}
		miners = append(miners, m)
	}
	return miners, rows.Err()
}

// UpdateMiner saves the operator-editable fields of a miner.
// Returns ErrNotFound if the miner doesn't exist.
func (s *SQLiteStore) UpdateMiner(ctx context.Context, m *Miner) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE miners
		SET ip = ?, model = ?, worker1 = ?, worker2 = ?, worker3 = ?, password_encrypted = ?
		WHERE id = ?
	`, m.IP, m.Model, m.Worker1, m.Worker2, m.Worker3, m.PasswordEncrypted, m.ID)
	if err != nil {
		return fmt.Errorf("updating miner: %w", err)
	}
	return requireAffected(res)
}

// ABOUTME: Durable command records for SQLiteStore
// ABOUTME: Status changes are conditional updates so only forward transitions ever land

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CreateCommand inserts a command record and sets its ID.
// Status defaults to pending.
func (s *SQLiteStore) CreateCommand(ctx context.Context, cmd *Command) error {
	if cmd.Status == "" {
		cmd.Status = StatusPending
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}
	cmd.UpdatedAt = cmd.CreatedAt

	params := cmd.Params
	if params == nil {
		params = map[string]any{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encoding params: %w", err)
	}

	var minerID any
	if cmd.MinerID != nil {
		minerID = *cmd.MinerID
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO commands (agent_id, miner_id, type, params, status, result, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		cmd.AgentID,
		minerID,
		string(cmd.Type),
		string(paramsJSON),
		string(cmd.Status),
		nullString(string(cmd.Result)),
		formatTime(cmd.CreatedAt),
		formatTime(cmd.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting command: %w", err)
	}

	cmd.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading command id: %w", err)
	}

	s.logger.Debug("created command", "id", cmd.ID, "agent_id", cmd.AgentID, "type", cmd.Type)
	return nil
}

const commandColumns = `id, agent_id, miner_id, type, params, status, result, created_at, updated_at`

func scanCommand(row rowScanner) (*Command, error) {
	var cmd Command
	var minerID sql.NullInt64
	var cmdType, paramsStr, status, createdAtStr, updatedAtStr string
	var result sql.NullString

	err := row.Scan(&cmd.ID, &cmd.AgentID, &minerID, &cmdType, &paramsStr, &status, &result, &createdAtStr, &updatedAtStr)
	if err != nil {
		return nil, err
	}

	cmd.Type = CommandType(cmdType)
	cmd.Status = CommandStatus(status)
	if minerID.Valid {
		id := minerID.Int64
		cmd.MinerID = &id
	}
	if err := json.Unmarshal([]byte(paramsStr), &cmd.Params); err != nil {
		return nil, fmt.Errorf("decoding params: %w", err)
	}
	if result.Valid {
		cmd.Result = json.RawMessage(result.String)
	}

	cmd.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	cmd.UpdatedAt, err = parseTime(updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &cmd, nil
}

// GetCommand retrieves a command by ID.
// Returns ErrNotFound if the command doesn't exist.
func (s *SQLiteStore) GetCommand(ctx context.Context, id int64) (*Command, error) {
	cmd, err := scanCommand(s.db.QueryRowContext(ctx,
		`SELECT `+commandColumns+` FROM commands WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying command: %w", err)
	}
	return cmd, nil
}

// ListCommands returns commands in creation order.
// When filter.Limit is positive only the most recent Limit commands are returned.
func (s *SQLiteStore) ListCommands(ctx context.Context, filter CommandFilter) ([]*Command, error) {
	query := `SELECT ` + commandColumns + ` FROM commands WHERE 1=1`
	var args []any
	if filter.AgentID != 0 {
		query += ` AND agent_id = ?`
		args = append(args, filter.AgentID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Limit > 0 {
		query = `SELECT * FROM (` + query + ` ORDER BY id DESC LIMIT ?) ORDER BY id`
		args = append(args, filter.Limit)
	} else {
		query += ` ORDER BY id`
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying commands: %w", err)
	}
	defer rows.Close()

	var cmds []*Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning command: %w", err)
		}
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}

// TransitionCommand moves a command to status to, storing result when non-nil.
// The check and the write happen in one conditional UPDATE, so concurrent
// writers cannot move a command backwards or out of a terminal status.
// Returns ErrNotFound for an unknown id and ErrInvalidTransition otherwise.
func (s *SQLiteStore) TransitionCommand(ctx context.Context, id int64, to CommandStatus, result json.RawMessage) error {
	from := sourcesFor(to)
	if len(from) == 0 {
		return fmt.Errorf("%w: to %s", ErrInvalidTransition, to)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := []any{string(to), nullString(string(result)), formatTime(time.Now()), id}
	for _, st := range from {
		args = append(args, string(st))
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE commands
		SET status = ?, result = COALESCE(?, result), updated_at = ?
		WHERE id = ? AND status IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return fmt.Errorf("updating command status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 1 {
		s.logger.Debug("command transitioned", "id", id, "status", to)
		return nil
	}

	current, err := s.GetCommand(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, current.Status, to)
}

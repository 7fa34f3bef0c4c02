// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides farm, agent and user persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// PRAGMAs are per connection; a single connection keeps foreign_keys on for every query.
	// Never issue a query while iterating rows.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS farms (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS agents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			farm_id INTEGER NOT NULL UNIQUE REFERENCES farms(id) ON DELETE CASCADE,
			token TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			last_seen TEXT
		);

		CREATE TABLE IF NOT EXISTS miners (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id INTEGER NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			mac TEXT NOT NULL UNIQUE,
			ip TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			worker1 TEXT NOT NULL DEFAULT '',
			worker2 TEXT NOT NULL DEFAULT '',
			worker3 TEXT NOT NULL DEFAULT '',
			password_encrypted TEXT NOT NULL DEFAULT '',
			added_by_scan_at TEXT,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_miners_agent ON miners(agent_id);

		CREATE TABLE IF NOT EXISTS commands (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id INTEGER NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			miner_id INTEGER REFERENCES miners(id) ON DELETE SET NULL,
			type TEXT NOT NULL,
			params TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'pending',
			result TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			CHECK (status IN ('pending', 'running', 'completed', 'failed', 'cancelled'))
		);

		CREATE INDEX IF NOT EXISTS idx_commands_agent_status ON commands(agent_id, status);

		CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'operator',
			created_at TEXT NOT NULL,

			CHECK (role IN ('admin', 'operator'))
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping verifies the database connection is alive
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// parseNullTime converts a nullable timestamp column into a *time.Time
func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

// CreateFarm inserts a farm and sets its ID
func (s *SQLiteStore) CreateFarm(ctx context.Context, farm *Farm) error {
	if farm.CreatedAt.IsZero() {
		farm.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO farms (name, created_at) VALUES (?, ?)`,
		farm.Name, formatTime(farm.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting farm: %w", err)
	}

	farm.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading farm id: %w", err)
	}

	s.logger.Debug("created farm", "id", farm.ID, "name", farm.Name)
	return nil
}

func scanFarm(row rowScanner) (*Farm, error) {
	var farm Farm
	var createdAtStr string
	if err := row.Scan(&farm.ID, &farm.Name, &createdAtStr); err != nil {
		return nil, err
	}

	var err error
	farm.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &farm, nil
}

// GetFarm retrieves a farm by ID.
// Returns ErrNotFound if the farm doesn't exist.
func (s *SQLiteStore) GetFarm(ctx context.Context, id int64) (*Farm, error) {
	farm, err := scanFarm(s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM farms WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying farm: %w", err)
	}
	return farm, nil
}

// ListFarms returns all farms ordered by ID
func (s *SQLiteStore) ListFarms(ctx context.Context) ([]*Farm, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM farms ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying farms: %w", err)
	}
	defer rows.Close()

	var farms []*Farm
	for rows.Next() {
		farm, err := scanFarm(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning farm: %w", err)
		}
		farms = append(farms, farm)
	}
	return farms, rows.Err()
}

// UpdateFarm renames a farm.
// Returns ErrNotFound if the farm doesn't exist.
func (s *SQLiteStore) UpdateFarm(ctx context.Context, farm *Farm) error {
	res, err := s.db.ExecContext(ctx, `UPDATE farms SET name = ? WHERE id = ?`, farm.Name, farm.ID)
	if err != nil {
		return fmt.Errorf("updating farm: %w", err)
	}
	return requireAffected(res)
}

// DeleteFarm removes a farm along with its agent, miners and commands.
// Returns ErrNotFound if the farm doesn't exist.
func (s *SQLiteStore) DeleteFarm(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM farms WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting farm: %w", err)
	}
	if err := requireAffected(res); err != nil {
		return err
	}

	s.logger.Debug("deleted farm", "id", id)
	return nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateAgent inserts an agent and sets its ID.
// Returns ErrDuplicate if the farm already has an agent or the token is taken,
// and ErrNotFound if the farm doesn't exist.
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	if _, err := s.GetFarm(ctx, agent.FarmID); err != nil {
		return err
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (farm_id, token, name, created_at) VALUES (?, ?, ?, ?)`,
		agent.FarmID, agent.Token, agent.Name, formatTime(agent.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting agent: %w", err)
	}

	agent.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading agent id: %w", err)
	}

	s.logger.Debug("created agent", "id", agent.ID, "farm_id", agent.FarmID)
	return nil
}

const agentColumns = `id, farm_id, token, name, created_at, last_seen`

func scanAgent(row rowScanner) (*Agent, error) {
	var agent Agent
	var createdAtStr string
	var lastSeen sql.NullString
	if err := row.Scan(&agent.ID, &agent.FarmID, &agent.Token, &agent.Name, &createdAtStr, &lastSeen); err != nil {
		return nil, err
	}

	var err error
	agent.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	agent.LastSeen, err = parseNullTime(lastSeen)
	if err != nil {
		return nil, fmt.Errorf("parsing last_seen: %w", err)
	}
	return &agent, nil
}

func (s *SQLiteStore) getAgentWhere(ctx context.Context, where string, arg any) (*Agent, error) {
	agent, err := scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return agent, nil
}

// GetAgent retrieves an agent by ID.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, id int64) (*Agent, error) {
	return s.getAgentWhere(ctx, `id = ?`, id)
}

// GetAgentByToken retrieves an agent by its connection token.
// Returns ErrNotFound if no agent holds the token.
func (s *SQLiteStore) GetAgentByToken(ctx context.Context, token string) (*Agent, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	return s.getAgentWhere(ctx, `token = ?`, token)
}

// ListAgents returns agents ordered by ID. A zero farmID lists all agents.
func (s *SQLiteStore) ListAgents(ctx context.Context, farmID int64) ([]*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var args []any
	if farmID != 0 {
		query += ` WHERE farm_id = ?`
		args = append(args, farmID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// TouchAgent records the agent's last contact time.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) TouchAgent(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET last_seen = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("updating last_seen: %w", err)
	}
	return requireAffected(res)
}

// CreateUser inserts an operator account and sets its ID.
// Returns ErrDuplicate if the email is already registered.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	user.Email = normalizeEmail(user.Email)
	if user.Role == "" {
		user.Role = RoleOperator
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (email, password_hash, role, created_at) VALUES (?, ?, ?, ?)`,
		user.Email, user.PasswordHash, string(user.Role), formatTime(user.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting user: %w", err)
	}

	user.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading user id: %w", err)
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

const userColumns = `id, email, password_hash, role, created_at`

func scanUser(row rowScanner) (*User, error) {
	var user User
	var role, createdAtStr string
	if err := row.Scan(&user.ID, &user.Email, &user.PasswordHash, &role, &createdAtStr); err != nil {
		return nil, err
	}
	user.Role = Role(role)

	var err error
	user.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &user, nil
}

func (s *SQLiteStore) getUserWhere(ctx context.Context, where string, arg any) (*User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return user, nil
}

// GetUser retrieves a user by ID
func (s *SQLiteStore) GetUser(ctx context.Context, id int64) (*User, error) {
	return s.getUserWhere(ctx, `id = ?`, id)
}

// GetUserByEmail retrieves a user by email, case-insensitively
func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.getUserWhere(ctx, `email = ?`, normalizeEmail(email))
}

// ListUsers returns all users ordered by ID
func (s *SQLiteStore) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// CountUsers returns the number of registered users
func (s *SQLiteStore) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting users: %w", err)
	}
	return n, nil
}

// Compile-time check that SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)

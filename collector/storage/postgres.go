package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/trinnode/Sentinel"
)

// PostgresStore implements Store on PostgreSQL, with Redis as an optional
// cache of pending alerts written by SaveAlert. Agent/validator lookups
// always read from PostgreSQL.
type PostgresStore struct {
	db    *sql.DB
	redis *redis.Client
	ctx   context.Context
}

// NewPostgresStore connects to databaseURL (and, if set, redisURL) and
// ensures the schema exists.
func NewPostgresStore(databaseURL, redisURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	var redisClient *redis.Client

	if redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}

		redisClient = redis.NewClient(opt)
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
	}

	store := &PostgresStore{db: db, redis: redisClient, ctx: context.Background()}

	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agent_reports (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		validator_id TEXT NOT NULL,
		status TEXT NOT NULL,
		message TEXT,
		consensus BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		received_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_agent_reports_validator ON agent_reports(validator_id);
	CREATE INDEX IF NOT EXISTS idx_agent_reports_agent ON agent_reports(agent_id);

	CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		validator_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		resolved_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_alerts_validator ON alerts(validator_id);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		validator_id TEXT NOT NULL,
		api_key TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		registered_at TIMESTAMPTZ NOT NULL,
		last_seen TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS validators (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		user_id TEXT NOT NULL,
		beacon_node_url TEXT NOT NULL,
		validator_api_key TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE TABLE IF NOT EXISTS webhook_configs (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		url TEXT NOT NULL,
		secret TEXT,
		events JSONB NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	);
	CREATE INDEX IF NOT EXISTS idx_webhook_configs_user ON webhook_configs(user_id);
	`

	_, err := s.db.Exec(schema)

	return err
}

// GetAgentWithValidator implements Store.
func (s *PostgresStore) GetAgentWithValidator(agentID string) (*sentinel.Agent, *sentinel.Validator, error) {
	query := `
		SELECT a.id, a.validator_id, a.api_key, a.is_active, a.registered_at, a.last_seen,
			v.id, v.name, v.user_id, v.beacon_node_url, v.validator_api_key, v.is_active
		FROM agents a JOIN validators v ON v.id = a.validator_id
		WHERE a.id = $1
	`

	var agent sentinel.Agent
	var validator sentinel.Validator
	var lastSeen sql.NullTime

	err := s.db.QueryRow(query, agentID).Scan(
		&agent.ID, &agent.ValidatorID, &agent.APIKey, &agent.IsActive, &agent.RegisteredAt, &lastSeen,
		&validator.ID, &validator.Name, &validator.UserID, &validator.BeaconNodeURL, &validator.ValidatorAPIKey, &validator.IsActive,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, fmt.Errorf("agent not found: %s", agentID)
		}

		return nil, nil, fmt.Errorf("failed to get agent: %w", err)
	}

	if lastSeen.Valid {
		agent.LastSeen = lastSeen.Time
	}

	return &agent, &validator, nil
}

// TouchAgentLastSeen implements Store.
func (s *PostgresStore) TouchAgentLastSeen(agentID string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE agents SET last_seen = $1 WHERE id = $2`, at, agentID)
	if err != nil {
		return fmt.Errorf("failed to touch agent lastSeen: %w", err)
	}

	return nil
}

// SaveReport implements Store.
func (s *PostgresStore) SaveReport(report *sentinel.AgentReport) (string, error) {
	query := `
		INSERT INTO agent_reports (id, agent_id, validator_id, status, message, consensus, created_at, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := s.db.Exec(query,
		report.ID, report.AgentID, report.ValidatorID, report.Status,
		report.Message, report.Consensus, report.CreatedAt, report.ReceivedAt,
	)
	if err != nil {
		return "", fmt.Errorf("failed to save report: %w", err)
	}

	return report.ID, nil
}

// UpdateReportStatus implements Store.
func (s *PostgresStore) UpdateReportStatus(reportID string, status sentinel.ReportStatus, consensus bool) error {
	_, err := s.db.Exec(`UPDATE agent_reports SET status = $1, consensus = $2 WHERE id = $3`, status, consensus, reportID)
	if err != nil {
		return fmt.Errorf("failed to update report status: %w", err)
	}

	return nil
}

// SaveAlert implements Store.
func (s *PostgresStore) SaveAlert(alert *sentinel.Alert) error {
	query := `
		INSERT INTO alerts (id, validator_id, user_id, status, message, created_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, resolved_at = EXCLUDED.resolved_at
	`

	_, err := s.db.Exec(query, alert.ID, alert.ValidatorID, alert.UserID, alert.Status, alert.Message, alert.CreatedAt, alert.ResolvedAt)
	if err != nil {
		return fmt.Errorf("failed to save alert: %w", err)
	}

	if s.redis != nil {
		alertJSON, _ := json.Marshal(alert)
		s.redis.HSet(s.ctx, "alerts:pending", alert.ID, alertJSON)
		s.redis.Expire(s.ctx, "alerts:pending", 24*time.Hour)
	}

	return nil
}

// ListActiveWebhooks implements Store.
func (s *PostgresStore) ListActiveWebhooks(userID, eventName string) ([]*sentinel.WebhookConfig, error) {
	query := `SELECT id, user_id, url, secret, events, is_active FROM webhook_configs WHERE user_id = $1 AND is_active = TRUE`

	rows, err := s.db.Query(query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	defer rows.Close()

	var result []*sentinel.WebhookConfig

	for rows.Next() {
		var wh sentinel.WebhookConfig
		var eventsJSON []byte
		var secret sql.NullString

		if err := rows.Scan(&wh.ID, &wh.UserID, &wh.URL, &secret, &eventsJSON, &wh.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan webhook: %w", err)
		}

		wh.Secret = secret.String

		if err := json.Unmarshal(eventsJSON, &wh.Events); err != nil {
			return nil, fmt.Errorf("failed to decode webhook events: %w", err)
		}

		if wh.HasEvent(eventName) {
			result = append(result, &wh)
		}
	}

	return result, nil
}

// Ping implements Store.
func (s *PostgresStore) Ping() error {
	return s.db.Ping()
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	if s.redis != nil {
		_ = s.redis.Close()
	}

	return s.db.Close()
}

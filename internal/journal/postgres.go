package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/telhawk-triage/common/database"
	"github.com/telhawk-systems/telhawk-triage/internal/model"
)

// PostgresJournal persists state transitions in the incident_journal table.
type PostgresJournal struct {
	pool *pgxpool.Pool
}

// NewPostgresJournal connects to PostgreSQL and verifies the connection.
func NewPostgresJournal(ctx context.Context, connString string) (*PostgresJournal, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresJournal{pool: pool}, nil
}

// RunMigrations applies the journal schema. sourceURL is a go-migrate source
// like "file://migrations"; databaseURL is the postgres connection string.
func RunMigrations(sourceURL, databaseURL string) error {
	m, err := migrate.New(sourceURL, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Append records a state transition.
func (j *PostgresJournal) Append(ctx context.Context, entry Entry) error {
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}

	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	query := `
		INSERT INTO incident_journal (incident_id, state, detail, attempt, at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := j.pool.Exec(ctx, query,
		entry.IncidentID, string(entry.State), entry.Detail, entry.Attempt, entry.At,
	)
	if err != nil {
		return fmt.Errorf("failed to append journal entry: %w", err)
	}

	return nil
}

// Entries returns the transitions recorded for an incident, in append order.
func (j *PostgresJournal) Entries(ctx context.Context, incidentID string) ([]Entry, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := `
		SELECT incident_id, state, detail, attempt, at
		FROM incident_journal
		WHERE incident_id = $1
		ORDER BY id ASC
	`

	rows, err := j.pool.Query(ctx, query, incidentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal entries: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var state string
		if err := rows.Scan(&e.IncidentID, &state, &e.Detail, &e.Attempt, &e.At); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		e.State = model.State(state)
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return entries, nil
}

// Close closes the database connection pool.
func (j *PostgresJournal) Close() error {
	j.pool.Close()
	return nil
}

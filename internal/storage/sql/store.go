package sql

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/bcnelson/portainer-stack-deployer/internal/domain"
	"github.com/bcnelson/portainer-stack-deployer/internal/storage"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// isUniqueViolation checks if an error is a UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	// SQLite
	if strings.Contains(errStr, "UNIQUE constraint failed") {
		return true
	}
	// PostgreSQL
	if strings.Contains(errStr, "duplicate key value violates unique constraint") {
		return true
	}
	return false
}

// wrapUniqueError converts UNIQUE violations to domain.ErrAlreadyExists.
func wrapUniqueError(err error) error {
	if isUniqueViolation(err) {
		return domain.ErrAlreadyExists
	}
	return err
}

// Store implements the storage.Storage interface using SQL.
type Store struct {
	db *sqlx.DB
}

// Ensure Store implements storage.Storage.
var _ storage.Storage = (*Store)(nil)

// New creates a new SQL store and runs pending migrations.
func New(driver, dsn string) (*Store, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect(driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting goose dialect: %w", err)
	}

	if err := goose.Up(db.DB, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const deploymentColumns = `id, stack_name, endpoint_id, action, remote_stack_id, content_sha256, status, error, created_at, finished_at`

func (s *Store) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deployments (`+deploymentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, d.StackName, d.EndpointID, d.Action, d.RemoteStackID, d.ContentSHA256,
		d.Status, d.Error, d.CreatedAt, d.FinishedAt)
	return wrapUniqueError(err)
}

func (s *Store) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	var d domain.Deployment
	err := s.db.GetContext(ctx, &d,
		`SELECT `+deploymentColumns+` FROM deployments WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Store) ListDeployments(ctx context.Context, stackName string, limit int) ([]*domain.Deployment, error) {
	if limit <= 0 {
		limit = 100
	}
	var deployments []*domain.Deployment
	err := s.db.SelectContext(ctx, &deployments,
		`SELECT `+deploymentColumns+` FROM deployments
		 WHERE stack_name = $1 ORDER BY created_at DESC LIMIT $2`, stackName, limit)
	return deployments, err
}

func (s *Store) UpdateDeployment(ctx context.Context, d *domain.Deployment) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE deployments SET remote_stack_id = $1, status = $2, error = $3, finished_at = $4 WHERE id = $5`,
		d.RemoteStackID, d.Status, d.Error, d.FinishedAt, d.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Package storage persists the reconciliation domain in SQLite. All
// money-mutating operations run inside a single transaction with an
// optimistic version check on the obligation row, so concurrent
// validations or credit applications of the same obligation serialize
// instead of applying against stale balances.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"condominio/internal/core"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// _txlock=immediate takes the write lock at BEGIN, so a concurrent
	// writer queues on busy_timeout instead of failing a deferred lock
	// upgrade mid-transaction. The pragmas ride the DSN so every pooled
	// connection gets them, not just the one that ran an Exec.
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// CreateCondominium persists a condominium, generating an id when absent.
func (r *SQLiteRepository) CreateCondominium(ctx context.Context, c *core.Condominium) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO condominiums (id, name, created_at) VALUES (?, ?, ?)`,
		c.ID, c.Name, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert condominium: %w", err)
	}
	return nil
}

// ListCondominiums returns all condominiums ordered by name.
func (r *SQLiteRepository) ListCondominiums(ctx context.Context) ([]core.Condominium, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, created_at FROM condominiums ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list condominiums: %w", err)
	}
	defer rows.Close()

	var out []core.Condominium
	for rows.Next() {
		var c core.Condominium
		if err := rows.Scan(&c.ID, &c.Name, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan condominium: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateResident persists a resident, generating an id when absent.
func (r *SQLiteRepository) CreateResident(ctx context.Context, res *core.Resident) error {
	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	if res.Role == "" {
		res.Role = core.RoleResident
	}
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO residents (id, condominium_id, unit_id, name, role, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		res.ID, res.CondominiumID, res.UnitID, res.Name, string(res.Role), res.Active, res.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert resident: %w", err)
	}
	return nil
}

// GetResident fetches the canonical resident record.
func (r *SQLiteRepository) GetResident(ctx context.Context, id string) (*core.Resident, error) {
	var res core.Resident
	var role string
	err := r.db.QueryRowContext(ctx,
		`SELECT id, condominium_id, unit_id, name, role, active, created_at
		 FROM residents WHERE id = ?`, id).
		Scan(&res.ID, &res.CondominiumID, &res.UnitID, &res.Name, &role, &res.Active, &res.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, core.ErrResidentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get resident: %w", err)
	}
	res.Role = core.Role(role)
	return &res, nil
}

// ListActiveResidents returns the active residents of one condominium.
func (r *SQLiteRepository) ListActiveResidents(ctx context.Context, condominiumID string) ([]core.Resident, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, condominium_id, unit_id, name, role, active, created_at
		 FROM residents WHERE condominium_id = ? AND active = 1 ORDER BY name`, condominiumID)
	if err != nil {
		return nil, fmt.Errorf("list active residents: %w", err)
	}
	defer rows.Close()

	var out []core.Resident
	for rows.Next() {
		var res core.Resident
		var role string
		if err := rows.Scan(&res.ID, &res.CondominiumID, &res.UnitID, &res.Name, &role, &res.Active, &res.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan resident: %w", err)
		}
		res.Role = core.Role(role)
		out = append(out, res)
	}
	return out, rows.Err()
}

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cypherpepe/core-extension/internal/domain"
)

// SQLiteStore persists dapp permissions and approval actions in a single
// SQLite database. It implements domain.PermissionStore and
// domain.ActionStore.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and runs the
// schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open wallet db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate wallet db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS permissions (
			domain     TEXT PRIMARY KEY,
			accounts   TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS actions (
			id              TEXT PRIMARY KEY,
			method          TEXT NOT NULL,
			site            TEXT NOT NULL DEFAULT '{}',
			params          TEXT,
			display_data    TEXT,
			status          TEXT NOT NULL,
			error           TEXT NOT NULL DEFAULT '',
			tab_id          INTEGER NOT NULL DEFAULT 0,
			popup_window_id INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL
		);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetPermissions(ctx context.Context) (map[string]*domain.DappPermissions, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT domain, accounts FROM permissions ORDER BY domain")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]*domain.DappPermissions)
	for rows.Next() {
		p, err := scanPermissions(rows)
		if err != nil {
			return nil, err
		}
		out[p.Domain] = p
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetPermissionsForDomain(ctx context.Context, dom string) (*domain.DappPermissions, error) {
	row := s.db.QueryRowContext(ctx, "SELECT domain, accounts FROM permissions WHERE domain = ?", dom)
	p, err := scanPermissions(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func (s *SQLiteStore) AddPermission(ctx context.Context, p *domain.DappPermissions) error {
	if p.Domain == "" {
		return domain.ErrDomainNotSet
	}
	accounts := p.Accounts
	if accounts == nil {
		accounts = map[string]bool{}
	}
	accJSON, err := json.Marshal(accounts)
	if err != nil {
		return fmt.Errorf("marshal accounts: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO permissions (domain, accounts, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(domain) DO UPDATE SET accounts = excluded.accounts, updated_at = excluded.updated_at`,
		p.Domain, string(accJSON), now, now,
	)
	return err
}

func (s *SQLiteStore) RemoveDomain(ctx context.Context, dom string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM permissions WHERE domain = ?", dom)
	return err
}

func (s *SQLiteStore) SaveAction(ctx context.Context, a *domain.Action) error {
	siteJSON, err := json.Marshal(a.Site)
	if err != nil {
		return fmt.Errorf("marshal site: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO actions (id, method, site, params, display_data, status, error, tab_id, popup_window_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, error = excluded.error,
			popup_window_id = excluded.popup_window_id`,
		a.ID, a.Method, string(siteJSON), nullableJSON(a.Params), nullableJSON(a.DisplayData),
		string(a.Status), a.Error, a.TabID, a.PopupWindowID,
		a.Time.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLiteStore) UpdateActionStatus(ctx context.Context, id string, status domain.ActionStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE actions SET status = ?, error = ? WHERE id = ?",
		string(status), errMsg, id,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrActionNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteAction(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM actions WHERE id = ?", id)
	return err
}

func (s *SQLiteStore) ListPendingActions(ctx context.Context) ([]*domain.Action, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, method, site, params, display_data, status, error, tab_id, popup_window_id, created_at
		FROM actions WHERE status IN (?, ?) ORDER BY created_at`,
		string(domain.ActionStatusPending), string(domain.ActionStatusSubmitting),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []*domain.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPermissions(row scanner) (*domain.DappPermissions, error) {
	var p domain.DappPermissions
	var accStr string
	if err := row.Scan(&p.Domain, &accStr); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(accStr), &p.Accounts); err != nil {
		return nil, fmt.Errorf("unmarshal accounts for %s: %w", p.Domain, err)
	}
	return &p, nil
}

func scanAction(row scanner) (*domain.Action, error) {
	var a domain.Action
	var siteStr, status, createdStr string
	var params, display sql.NullString
	if err := row.Scan(&a.ID, &a.Method, &siteStr, &params, &display, &status, &a.Error, &a.TabID, &a.PopupWindowID, &createdStr); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(siteStr), &a.Site); err != nil {
		return nil, fmt.Errorf("unmarshal site for action %s: %w", a.ID, err)
	}
	if params.Valid {
		a.Params = json.RawMessage(params.String)
	}
	if display.Valid {
		a.DisplayData = json.RawMessage(display.String)
	}
	a.Status = domain.ActionStatus(status)
	t, err := time.Parse(time.RFC3339Nano, createdStr)
	if err != nil {
		return nil, fmt.Errorf("parse created_at for action %s: %w", a.ID, err)
	}
	a.Time = t
	return &a, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nstogner/buildfy/pkg/domain"
	"github.com/nstogner/buildfy/pkg/store"
)

// Store implements store.Store using SQLite.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// New opens (or creates) a SQLite database at the given path and runs migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		role TEXT NOT NULL,
		type TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		seq INTEGER NOT NULL,
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_project_seq ON messages(project_id, seq);

	CREATE TABLE IF NOT EXISTS fragments (
		id TEXT PRIMARY KEY,
		message_id TEXT NOT NULL UNIQUE,
		sandbox_id TEXT NOT NULL DEFAULT '',
		sandbox_url TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		files TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_fragments_sandbox ON fragments(sandbox_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- ProjectStore ---

func (s *Store) CreateProject(ctx context.Context, p *domain.Project) error {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		p.ID, p.Name, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func (s *Store) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	p := &domain.Project{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at, updated_at FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", id, store.ErrNotFound)
	}
	return p, err
}

func (s *Store) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, created_at, updated_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// --- MessageStore ---

func (s *Store) CreateMessage(ctx context.Context, msg *domain.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var maxSeq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE project_id=?`, msg.ProjectID,
	).Scan(&maxSeq); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, project_id, role, type, content, created_at, seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ProjectID, msg.Role, msg.Type, msg.Content, msg.CreatedAt, maxSeq+1,
	); err != nil {
		return err
	}

	if f := msg.Fragment; f != nil {
		f.MessageID = msg.ID
		f.CreatedAt = msg.CreatedAt
		f.UpdatedAt = msg.CreatedAt
		files, err := encodeFiles(f.Files)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO fragments (id, message_id, sandbox_id, sandbox_url, title, files, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			f.ID, f.MessageID, f.SandboxID, f.SandboxURL, f.Title, files, f.CreatedAt, f.UpdatedAt,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ListMessages(ctx context.Context, projectID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.project_id, m.role, m.type, m.content, m.created_at,
		        f.id, f.sandbox_id, f.sandbox_url, f.title, f.files, f.created_at, f.updated_at
		 FROM messages m LEFT JOIN fragments f ON f.message_id = m.id
		 WHERE m.project_id=? ORDER BY m.seq ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var (
			m                                   domain.Message
			fID, fSandbox, fURL, fTitle, fFiles sql.NullString
			fCreated, fUpdated                  sql.NullTime
		)
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.Role, &m.Type, &m.Content, &m.CreatedAt,
			&fID, &fSandbox, &fURL, &fTitle, &fFiles, &fCreated, &fUpdated,
		); err != nil {
			return nil, err
		}
		if fID.Valid {
			files, err := decodeFiles(fFiles.String)
			if err != nil {
				return nil, err
			}
			m.Fragment = &domain.Fragment{
				ID:         fID.String,
				MessageID:  m.ID,
				SandboxID:  fSandbox.String,
				SandboxURL: fURL.String,
				Title:      fTitle.String,
				Files:      files,
				CreatedAt:  fCreated.Time,
				UpdatedAt:  fUpdated.Time,
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// --- FragmentStore ---

func (s *Store) GetFragment(ctx context.Context, id string) (*domain.Fragment, error) {
	var (
		f     domain.Fragment
		files string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, message_id, sandbox_id, sandbox_url, title, files, created_at, updated_at
		 FROM fragments WHERE id=?`, id,
	).Scan(&f.ID, &f.MessageID, &f.SandboxID, &f.SandboxURL, &f.Title, &files, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("fragment %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if f.Files, err = decodeFiles(files); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *Store) GetFragmentProject(ctx context.Context, id string) (string, error) {
	var projectID string
	err := s.db.QueryRowContext(ctx,
		`SELECT m.project_id FROM fragments f JOIN messages m ON m.id = f.message_id WHERE f.id=?`, id,
	).Scan(&projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("fragment %s: %w", id, store.ErrNotFound)
	}
	return projectID, err
}

func (s *Store) UpdateFragmentFiles(ctx context.Context, id string, files map[string]string) error {
	encoded, err := encodeFiles(files)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE fragments SET files=?, updated_at=? WHERE id=?`,
		encoded, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return expectRow(result, "fragment", id)
}

func (s *Store) UpdateFragmentSandbox(ctx context.Context, id, sandboxID, sandboxURL string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE fragments SET sandbox_id=?, sandbox_url=?, updated_at=? WHERE id=?`,
		sandboxID, sandboxURL, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return expectRow(result, "fragment", id)
}

// ListSandboxIDs returns the distinct sandbox ids referenced by fragments
// (used by the sandbox reaper to keep live artifacts).
func (s *Store) ListSandboxIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT sandbox_id FROM fragments WHERE sandbox_id != ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func expectRow(result sql.Result, kind, id string) error {
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, store.ErrNotFound)
	}
	return nil
}

func encodeFiles(files map[string]string) (string, error) {
	if files == nil {
		files = map[string]string{}
	}
	b, err := json.Marshal(files)
	if err != nil {
		return "", fmt.Errorf("encoding files: %w", err)
	}
	return string(b), nil
}

func decodeFiles(s string) (map[string]string, error) {
	files := map[string]string{}
	if s == "" {
		return files, nil
	}
	if err := json.Unmarshal([]byte(s), &files); err != nil {
		return nil, fmt.Errorf("decoding files: %w", err)
	}
	return files, nil
}

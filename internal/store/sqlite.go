package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/yourorg/rerunner/pkg/types"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.Init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Init() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS credentials (
			user_id TEXT PRIMARY KEY,
			team TEXT NOT NULL,
			username TEXT NOT NULL,
			token TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// PutCredential inserts or replaces a credential. An empty UserID gets a
// fresh one.
func (s *SQLiteStore) PutCredential(c *types.Credential) error {
	if c.Token == "" {
		return errors.New("credential token cannot be empty")
	}
	if c.UserID == "" {
		c.UserID = uuid.NewString()
	}
	c.UpdatedAt = time.Now().UTC()
	_, err := s.db.Exec(`INSERT INTO credentials(user_id,team,username,token,updated_at) VALUES(?,?,?,?,?)
		ON CONFLICT(user_id) DO UPDATE SET team=excluded.team, username=excluded.username, token=excluded.token, updated_at=excluded.updated_at`,
		c.UserID, c.Team, c.Username, c.Token, c.UpdatedAt)
	return err
}

func (s *SQLiteStore) GetCredential(userID string) (*types.Credential, error) {
	row := s.db.QueryRow(`SELECT user_id,team,username,token,updated_at FROM credentials WHERE user_id=?`, userID)
	var out types.Credential
	if err := row.Scan(&out.UserID, &out.Team, &out.Username, &out.Token, &out.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("credential %s: %w", userID, ErrNotFound)
		}
		return nil, err
	}
	return &out, nil
}

func (s *SQLiteStore) ListCredentials() ([]types.Credential, error) {
	rows, err := s.db.Query(`SELECT user_id,team,username,token,updated_at FROM credentials ORDER BY team, username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.Credential
	for rows.Next() {
		var c types.Credential
		if err := rows.Scan(&c.UserID, &c.Team, &c.Username, &c.Token, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteCredential(userID string) error {
	res, err := s.db.Exec(`DELETE FROM credentials WHERE user_id=?`, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("credential %s: %w", userID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return errors.New("store is nil")
	}
	return s.db.Close()
}

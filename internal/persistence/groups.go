package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownGroup is returned when no registered group matches a lookup.
var ErrUnknownGroup = errors.New("unknown group")

// folderNamePattern constrains workspace folder names: lowercase alphanumeric
// plus hyphens, starting with an alphanumeric, at most 40 characters.
var folderNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,39}$`)

// ValidFolderName reports whether name is an acceptable workspace folder.
func ValidFolderName(name string) bool {
	return folderNamePattern.MatchString(name)
}

// RegisteredGroup binds a chat to a workspace folder.
type RegisteredGroup struct {
	Folder          string    `json:"folder"`
	ChatAddress     string    `json:"chat_address"`
	DisplayName     string    `json:"display_name"`
	RequiresTrigger bool      `json:"requires_trigger"`
	RegisteredAt    time.Time `json:"registered_at"`
}

// RegisterGroup inserts or updates the binding for a folder. The folder name
// is validated here as well as at the IPC boundary.
func (s *Store) RegisterGroup(ctx context.Context, g RegisteredGroup) error {
	if !ValidFolderName(g.Folder) {
		return fmt.Errorf("invalid folder name %q", g.Folder)
	}
	if g.ChatAddress == "" {
		return fmt.Errorf("group %q requires a chat address", g.Folder)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO groups (folder, chat_address, display_name, requires_trigger)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(folder) DO UPDATE SET
				chat_address = excluded.chat_address,
				display_name = excluded.display_name,
				requires_trigger = excluded.requires_trigger;`,
			g.Folder, g.ChatAddress, g.DisplayName, boolToInt(g.RequiresTrigger),
		)
		if err != nil {
			return fmt.Errorf("register group %q: %w", g.Folder, err)
		}
		return nil
	})
}

func (s *Store) GroupByFolder(ctx context.Context, folder string) (RegisteredGroup, error) {
	return s.scanGroup(s.db.QueryRowContext(ctx, `
		SELECT folder, chat_address, display_name, requires_trigger, registered_at
		FROM groups WHERE folder = ?;`, folder))
}

func (s *Store) GroupByAddress(ctx context.Context, chatAddress string) (RegisteredGroup, error) {
	return s.scanGroup(s.db.QueryRowContext(ctx, `
		SELECT folder, chat_address, display_name, requires_trigger, registered_at
		FROM groups WHERE chat_address = ?;`, chatAddress))
}

func (s *Store) scanGroup(row *sql.Row) (RegisteredGroup, error) {
	var g RegisteredGroup
	var trig int
	err := row.Scan(&g.Folder, &g.ChatAddress, &g.DisplayName, &trig, &g.RegisteredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RegisteredGroup{}, ErrUnknownGroup
	}
	if err != nil {
		return RegisteredGroup{}, fmt.Errorf("scan group: %w", err)
	}
	g.RequiresTrigger = trig != 0
	return g, nil
}

func (s *Store) ListGroups(ctx context.Context) ([]RegisteredGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT folder, chat_address, display_name, requires_trigger, registered_at
		FROM groups ORDER BY folder;`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var out []RegisteredGroup
	for rows.Next() {
		var g RegisteredGroup
		var trig int
		if err := rows.Scan(&g.Folder, &g.ChatAddress, &g.DisplayName, &trig, &g.RegisteredAt); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		g.RequiresTrigger = trig != 0
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) UnregisterGroup(ctx context.Context, folder string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM groups WHERE folder = ?;`, folder)
		if err != nil {
			return fmt.Errorf("unregister group %q: %w", folder, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrUnknownGroup
		}
		return nil
	})
}

// EnsureSession returns the session id for a folder, creating one on first
// use. Sessions survive restarts so agent context stays pinned to the folder.
func (s *Store) EnsureSession(ctx context.Context, folder string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id FROM sessions WHERE folder = ?;`, folder,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("read session: %w", err)
	}

	id = uuid.NewString()
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (folder, session_id) VALUES (?, ?)
			ON CONFLICT(folder) DO NOTHING;`, folder, id)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	// Re-read in case a concurrent writer won the conflict.
	if err := s.db.QueryRowContext(ctx,
		`SELECT session_id FROM sessions WHERE folder = ?;`, folder,
	).Scan(&id); err != nil {
		return "", fmt.Errorf("reread session: %w", err)
	}
	return id, nil
}

// SetSession pins a folder to a backend-issued session id, replacing whatever
// placeholder EnsureSession minted before the first run.
func (s *Store) SetSession(ctx context.Context, folder, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("set session: empty session id")
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (folder, session_id, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(folder) DO UPDATE SET
				session_id = excluded.session_id,
				updated_at = CURRENT_TIMESTAMP;`, folder, sessionID)
		if err != nil {
			return fmt.Errorf("set session: %w", err)
		}
		return nil
	})
}

// ResetSession rotates the session id for a folder.
func (s *Store) ResetSession(ctx context.Context, folder string) (string, error) {
	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (folder, session_id, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(folder) DO UPDATE SET
				session_id = excluded.session_id,
				updated_at = CURRENT_TIMESTAMP;`, folder, id)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("reset session: %w", err)
	}
	return id, nil
}

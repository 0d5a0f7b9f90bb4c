package roster

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gilestrolab/ethoscope-node/pkg/models"
	"github.com/google/uuid"
)

// CreateUser stores a new user. The PIN is hashed before it touches the
// database.
func (s *RosterStore) CreateUser(ctx context.Context, u models.User, pin string) (models.User, error) {
	if u.Name == "" {
		return u, errors.New("roster: user name required")
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.CreatedAt = time.Now().UTC()
	u.Active = true

	hashed := ""
	if pin != "" {
		var err error
		hashed, err = HashPIN(pin)
		if err != nil {
			return u, err
		}
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO users
		(id, name, fullname, pin, email, telephone, laboratory, is_admin, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		u.ID, u.Name, u.FullName, hashed, u.Email, u.Telephone, u.Group,
		boolToInt(u.IsAdmin), u.CreatedAt)
	if err != nil {
		return u, fmt.Errorf("create user %q: %w", u.Name, err)
	}
	return u, nil
}

// GetUserByName returns one user by login name.
func (s *RosterStore) GetUserByName(ctx context.Context, name string) (models.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, selectUser+` WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrNotFound
	}
	return u, err
}

// ListUsers returns all users, active first.
func (s *RosterStore) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx, selectUser+` ORDER BY active DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// UpdateUser rewrites mutable user fields. The PIN is only changed when
// newPIN is non-empty.
func (s *RosterStore) UpdateUser(ctx context.Context, u models.User, newPIN string) error {
	if newPIN != "" {
		hashed, err := HashPIN(newPIN)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE users SET pin = ? WHERE id = ?`, hashed, u.ID); err != nil {
			return fmt.Errorf("update user pin: %w", err)
		}
	}
	res, err := s.db.ExecContext(ctx, `UPDATE users SET
		fullname = ?, email = ?, telephone = ?, laboratory = ?, is_admin = ?, active = ?
		WHERE id = ?`,
		u.FullName, u.Email, u.Telephone, u.Group, boolToInt(u.IsAdmin), boolToInt(u.Active), u.ID)
	if err != nil {
		return fmt.Errorf("update user %s: %w", u.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateUser soft-deletes a user. Rows are never removed; runs
// reference them.
func (s *RosterStore) DeactivateUser(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deactivate user %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// VerifyUserPIN checks a login attempt. A match against a legacy stored
// format rewrites the row to the current pbkdf2 format.
func (s *RosterStore) VerifyUserPIN(ctx context.Context, name, pin string) (models.User, error) {
	var u models.User
	var stored string
	var active, isAdmin int
	err := s.db.QueryRowContext(ctx, `SELECT id, name, fullname, pin, email, telephone,
		laboratory, is_admin, active, created_at FROM users WHERE name = ?`, name).
		Scan(&u.ID, &u.Name, &u.FullName, &stored, &u.Email, &u.Telephone,
			&u.Group, &isAdmin, &active, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.IsAdmin = isAdmin != 0
	u.Active = active != 0

	if !u.Active {
		return u, errors.New("roster: user is inactive")
	}

	ok, needsUpgrade := VerifyPIN(stored, pin)
	if !ok {
		return u, errors.New("roster: invalid pin")
	}

	if needsUpgrade {
		hashed, err := HashPIN(pin)
		if err == nil {
			_, _ = s.db.ExecContext(ctx, `UPDATE users SET pin = ? WHERE id = ?`, hashed, u.ID)
		}
	}
	return u, nil
}

const selectUser = `SELECT id, name, fullname, email, telephone, laboratory,
	is_admin, active, created_at FROM users`

func scanUser(row rowScanner) (models.User, error) {
	var u models.User
	var isAdmin, active int
	err := row.Scan(&u.ID, &u.Name, &u.FullName, &u.Email, &u.Telephone,
		&u.Group, &isAdmin, &active, &u.CreatedAt)
	if err != nil {
		return u, err
	}
	u.IsAdmin = isAdmin != 0
	u.Active = active != 0
	return u, nil
}

// UpsertIncubator creates or updates an incubator.
func (s *RosterStore) UpsertIncubator(ctx context.Context, inc models.Incubator) (models.Incubator, error) {
	if inc.Name == "" {
		return inc, errors.New("roster: incubator name required")
	}
	if inc.ID == "" {
		inc.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO incubators
		(id, name, location, temperature, humidity, description)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			location = excluded.location,
			temperature = excluded.temperature,
			humidity = excluded.humidity,
			description = excluded.description`,
		inc.ID, inc.Name, inc.Location, inc.Temperature, inc.Humidity, inc.Description)
	if err != nil {
		return inc, fmt.Errorf("upsert incubator %q: %w", inc.Name, err)
	}
	return inc, nil
}

// ListIncubators returns all incubators by name.
func (s *RosterStore) ListIncubators(ctx context.Context) ([]models.Incubator, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, location, temperature, humidity, description
		FROM incubators ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list incubators: %w", err)
	}
	defer rows.Close()

	var out []models.Incubator
	for rows.Next() {
		var inc models.Incubator
		if err := rows.Scan(&inc.ID, &inc.Name, &inc.Location, &inc.Temperature,
			&inc.Humidity, &inc.Description); err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

// DeleteIncubator removes an incubator.
func (s *RosterStore) DeleteIncubator(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM incubators WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete incubator %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

package roster

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	"github.com/gilestrolab/ethoscope-node/pkg/module"
)

// migrations returns the roster module's database migrations. The
// legacyUsersPath, when non-empty, points at a JSON file of users
// imported once into an empty users table.
func migrations(legacyUsersPath string) []module.Migration {
	return []module.Migration{
		{
			Version:     1,
			Description: "create roster tables (ethoscopes, users, incubators, runs, experiments, alert_logs)",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					// Historical shape with an auto-increment surrogate key.
					// Migration 4 rebuilds it around ethoscope_id.
					`CREATE TABLE ethoscopes (
						id           INTEGER PRIMARY KEY AUTOINCREMENT,
						ethoscope_id TEXT NOT NULL,
						name         TEXT NOT NULL DEFAULT '',
						last_ip      TEXT NOT NULL DEFAULT '',
						active       INTEGER NOT NULL DEFAULT 1,
						last_seen    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
						comments     TEXT NOT NULL DEFAULT ''
					)`,
					`CREATE INDEX idx_ethoscopes_ethoscope_id ON ethoscopes(ethoscope_id)`,
					`CREATE TABLE users (
						id         TEXT PRIMARY KEY,
						name       TEXT NOT NULL UNIQUE,
						fullname   TEXT NOT NULL DEFAULT '',
						pin        TEXT NOT NULL DEFAULT '',
						email      TEXT NOT NULL DEFAULT '',
						laboratory TEXT NOT NULL DEFAULT '',
						is_admin   INTEGER NOT NULL DEFAULT 0,
						active     INTEGER NOT NULL DEFAULT 1,
						created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
					)`,
					`CREATE TABLE incubators (
						id          TEXT PRIMARY KEY,
						name        TEXT NOT NULL UNIQUE,
						location    TEXT NOT NULL DEFAULT '',
						temperature REAL NOT NULL DEFAULT 0,
						humidity    REAL NOT NULL DEFAULT 0,
						description TEXT NOT NULL DEFAULT ''
					)`,
					`CREATE TABLE runs (
						run_id            TEXT PRIMARY KEY,
						experiment_type   TEXT NOT NULL DEFAULT 'tracking',
						ethoscope_id      TEXT NOT NULL,
						ethoscope_name    TEXT NOT NULL DEFAULT '',
						user_id           TEXT NOT NULL DEFAULT '',
						username          TEXT NOT NULL DEFAULT '',
						location          TEXT NOT NULL DEFAULT '',
						started_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
						ended_at          DATETIME,
						status            TEXT NOT NULL DEFAULT 'running',
						experimental_data TEXT NOT NULL DEFAULT '',
						comments          TEXT NOT NULL DEFAULT '',
						problems          TEXT NOT NULL DEFAULT ''
					)`,
					`CREATE INDEX idx_runs_ethoscope ON runs(ethoscope_id)`,
					`CREATE INDEX idx_runs_status ON runs(status)`,
					`CREATE TABLE experiments (
						experiment_id TEXT PRIMARY KEY,
						run_id        TEXT NOT NULL,
						ethoscope_id  TEXT NOT NULL,
						user_id       TEXT NOT NULL DEFAULT '',
						timestamp     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
					)`,
					`CREATE TABLE alert_logs (
						id         TEXT PRIMARY KEY,
						device_id  TEXT NOT NULL,
						alert_type TEXT NOT NULL,
						message    TEXT NOT NULL DEFAULT '',
						recipients TEXT NOT NULL DEFAULT '',
						created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
						updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
					)`,
				}
				for _, stmt := range stmts {
					if _, err := tx.Exec(stmt); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			Version:     2,
			Description: "add telephone column to users",
			Up: func(tx *sql.Tx) error {
				return addColumnIfMissing(tx, "users", "telephone", "TEXT NOT NULL DEFAULT ''")
			},
		},
		{
			Version:     3,
			Description: "add run_id column to alert_logs with uniqueness on (device_id, alert_type, run_id)",
			Up: func(tx *sql.Tx) error {
				if err := addColumnIfMissing(tx, "alert_logs", "run_id", "TEXT NOT NULL DEFAULT ''"); err != nil {
					return err
				}
				_, err := tx.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_alert_logs_dedup
					ON alert_logs(device_id, alert_type, run_id)`)
				return err
			},
		},
		{
			Version:     4,
			Description: "rebuild ethoscopes keyed by ethoscope_id, deduping on most recent row",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE ethoscopes_new (
						ethoscope_id TEXT PRIMARY KEY,
						name         TEXT NOT NULL DEFAULT '',
						last_ip      TEXT NOT NULL DEFAULT '',
						active       INTEGER NOT NULL DEFAULT 1,
						last_seen    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
						comments     TEXT NOT NULL DEFAULT ''
					)`,
					// Keep the most recent row per ethoscope_id; the legacy
					// table accumulated duplicates across re-registrations.
					`INSERT INTO ethoscopes_new (ethoscope_id, name, last_ip, active, last_seen, comments)
						SELECT ethoscope_id, name, last_ip, active, last_seen, comments
						FROM ethoscopes e
						WHERE e.id = (
							SELECT e2.id FROM ethoscopes e2
							WHERE e2.ethoscope_id = e.ethoscope_id
							ORDER BY e2.last_seen DESC, e2.id DESC LIMIT 1
						)`,
					`DROP TABLE ethoscopes`,
					`ALTER TABLE ethoscopes_new RENAME TO ethoscopes`,
				}
				for _, stmt := range stmts {
					if _, err := tx.Exec(stmt); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			Version:     5,
			Description: "import users from legacy config if the users table is empty",
			Up: func(tx *sql.Tx) error {
				return importLegacyUsers(tx, legacyUsersPath)
			},
		},
	}
}

// addColumnIfMissing issues ALTER TABLE ADD COLUMN only when the column
// is absent, so the migration can run against databases that already
// carried the column out of band.
func addColumnIfMissing(tx *sql.Tx, table, column, definition string) error {
	rows, err := tx.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = tx.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, definition))
	return err
}

// legacyUser is the shape of one entry in the legacy users file.
type legacyUser struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	FullName  string `json:"fullname"`
	PIN       string `json:"pin"`
	Email     string `json:"email"`
	Telephone string `json:"telephone"`
	Group     string `json:"group"`
	IsAdmin   bool   `json:"isadmin"`
	Active    bool   `json:"active"`
}

// importLegacyUsers seeds the users table from the legacy config file.
// Runs only when the table is empty; a missing file is not an error.
func importLegacyUsers(tx *sql.Tx, path string) error {
	if path == "" {
		return nil
	}

	var count int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read legacy users %q: %w", path, err)
	}

	var users map[string]legacyUser
	if err := json.Unmarshal(data, &users); err != nil {
		return fmt.Errorf("parse legacy users %q: %w", path, err)
	}

	for name, u := range users {
		if u.Name == "" {
			u.Name = name
		}
		if u.ID == "" {
			u.ID = u.Name
		}
		_, err := tx.Exec(`INSERT INTO users
			(id, name, fullname, pin, email, telephone, laboratory, is_admin, active)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			u.ID, u.Name, u.FullName, u.PIN, u.Email, u.Telephone, u.Group,
			boolToInt(u.IsAdmin), boolToInt(u.Active))
		if err != nil {
			return fmt.Errorf("import user %q: %w", u.Name, err)
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

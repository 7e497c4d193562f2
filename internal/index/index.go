// Package index persists pipeline progress in a single SQLite file: which
// datasets are done and how many valid games each player has accumulated.
// A dataset's completion mark and its player contributions commit in one
// transaction, which is what makes the pipeline crash-safe and idempotent.
package index

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite index database.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS datasets (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL DEFAULT 'pending',
	finished_at INTEGER
);

CREATE TABLE IF NOT EXISTS players (
	name        TEXT PRIMARY KEY,
	total_games INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS monthly_counts (
	player TEXT NOT NULL,
	month  TEXT NOT NULL,
	games  INTEGER NOT NULL,
	PRIMARY KEY (player, month)
);

CREATE INDEX IF NOT EXISTS idx_players_total ON players(total_games);
CREATE INDEX IF NOT EXISTS idx_monthly_player ON monthly_counts(player);
`

// Open opens (or creates) the index at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open index %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("index pragma: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init index schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// IsDone reports whether a dataset has been fully processed and committed.
func (s *Store) IsDone(datasetID string) (bool, error) {
	var status string
	err := s.db.QueryRow(
		`SELECT status FROM datasets WHERE id = ?`, datasetID,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return status == "done", nil
}

// MarkDone commits a dataset in a single transaction: the dataset row flips
// to done and each contributing player's monthly count is recorded and
// added to their cumulative total.
func (s *Store) MarkDone(datasetID string, contributions map[string]int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	monthly, err := tx.Prepare(
		`INSERT OR REPLACE INTO monthly_counts (player, month, games) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer monthly.Close()

	upsert, err := tx.Prepare(
		`INSERT INTO players (name, total_games) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET total_games = total_games + excluded.total_games`)
	if err != nil {
		return err
	}
	defer upsert.Close()

	for player, games := range contributions {
		if _, err := monthly.Exec(player, datasetID, games); err != nil {
			return err
		}
		if _, err := upsert.Exec(player, games); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(
		`INSERT INTO datasets (id, status, finished_at) VALUES (?, 'done', ?)
		 ON CONFLICT(id) DO UPDATE SET status = 'done', finished_at = excluded.finished_at`,
		datasetID, time.Now().Unix(),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// PlayerTotal returns a player's cumulative valid-game count.
func (s *Store) PlayerTotal(name string) (int64, error) {
	var total int64
	err := s.db.QueryRow(
		`SELECT total_games FROM players WHERE name = ?`, name,
	).Scan(&total)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return total, err
}

// PlayersBelow lists players whose cumulative total is under minTotal.
func (s *Store) PlayersBelow(minTotal int) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT name FROM players WHERE total_games < ?`, minTotal)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// RemovePlayersBelow deletes the rows (players and monthly counts) for
// every player under minTotal and returns how many were removed.
func (s *Store) RemovePlayersBelow(minTotal int) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`DELETE FROM monthly_counts WHERE player IN
		 (SELECT name FROM players WHERE total_games < ?)`, minTotal,
	); err != nil {
		return 0, err
	}
	res, err := tx.Exec(`DELETE FROM players WHERE total_games < ?`, minTotal)
	if err != nil {
		return 0, err
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return deleted, tx.Commit()
}

// CountPlayersAtLeast counts players with total_games >= minTotal.
func (s *Store) CountPlayersAtLeast(minTotal int) (int64, error) {
	var n int64
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM players WHERE total_games >= ?`, minTotal,
	).Scan(&n)
	return n, err
}

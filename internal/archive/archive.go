// Package archive implements the optional transcript index described in
// SPEC_FULL §2 item 8 / §4.1: a database/sql-backed record of finished
// games, supplementing (never replacing) the flat log/<gameId> files
// that remain the authoritative transcript.
package archive

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"imcsd/internal/broker"
	"imcsd/internal/config"
)

// Archive is a best-effort index: every method swallows nothing to the
// caller (errors are returned so the caller can log them), but the
// broker only ever treats them as warnings, never as fatal.
type Archive struct {
	db     *sql.DB
	driver string
}

// Open connects to the configured backend (sqlite by default, postgres
// when cfg.DBType == "postgres") and ensures the games table exists.
func Open(cfg *config.Config) (*Archive, error) {
	driver := "sqlite3"
	if cfg.DBType == "postgres" {
		driver = "postgres"
	}

	db, err := sql.Open(driver, cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("archive: opening %s: %w", driver, err)
	}
	db.SetMaxOpenConns(cfg.DBMaxConnections)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: pinging %s: %w", driver, err)
	}

	a := &Archive{db: db, driver: driver}
	if err := a.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS games (
	game_id INTEGER PRIMARY KEY,
	white TEXT NOT NULL,
	black TEXT NOT NULL,
	score INTEGER NOT NULL,
	white_rating INTEGER NOT NULL,
	black_rating INTEGER NOT NULL,
	finished_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_games_white ON games(white);
CREATE INDEX IF NOT EXISTS idx_games_black ON games(black);
`
	if _, err := a.db.Exec(schema); err != nil {
		return fmt.Errorf("archive: creating schema: %w", err)
	}
	return nil
}

// placeholder renders the nth bind parameter in the configured driver's
// dialect ($1, $2, ... for postgres; ? for sqlite).
func (a *Archive) placeholder(n int) string {
	if a.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Record inserts one finished-game row (broker.ArchiveSink).
func (a *Archive) Record(row broker.ArchiveRow) error {
	query := fmt.Sprintf(
		`INSERT INTO games (game_id, white, black, score, white_rating, black_rating, finished_at)
		 VALUES (%s, %s, %s, %s, %s, %s, CURRENT_TIMESTAMP)`,
		a.placeholder(1), a.placeholder(2), a.placeholder(3), a.placeholder(4), a.placeholder(5), a.placeholder(6),
	)
	_, err := a.db.Exec(query, row.GameID, row.White, row.Black, row.Score, row.WhiteRating, row.BlackRating)
	if err != nil {
		return fmt.Errorf("archive: recording game %d: %w", row.GameID, err)
	}
	return nil
}

// Recent returns up to limit most-recent games involving name, newest
// first (broker.ArchiveSink, backing the `history` command).
func (a *Archive) Recent(name string, limit int) ([]broker.ArchiveRow, error) {
	query := fmt.Sprintf(
		`SELECT game_id, white, black, score, white_rating, black_rating
		   FROM games
		  WHERE white = %s OR black = %s
		  ORDER BY finished_at DESC, game_id DESC
		  LIMIT %s`,
		a.placeholder(1), a.placeholder(2), a.placeholder(3),
	)
	rows, err := a.db.Query(query, name, name, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: querying history for %s: %w", name, err)
	}
	defer rows.Close()

	var out []broker.ArchiveRow
	for rows.Next() {
		var r broker.ArchiveRow
		if err := rows.Scan(&r.GameID, &r.White, &r.Black, &r.Score, &r.WhiteRating, &r.BlackRating); err != nil {
			return nil, fmt.Errorf("archive: scanning history row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close releases the underlying connection pool.
func (a *Archive) Close() error {
	return a.db.Close()
}

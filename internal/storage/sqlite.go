// Package storage persists the last known server table to SQLite so the
// browser can show a (stale) population immediately on startup instead of
// an empty list until the first refresh completes.
package storage

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/karstfell/muster/internal/models"
	_ "modernc.org/sqlite" // sqlite driver
)

// Cache manages the SQLite connection holding cached server records.
type Cache struct {
	db *sql.DB
}

// Open initializes the SQLite cache and applies pending migrations.
func Open(path string) (*Cache, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Cache{db: db}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// SaveRecords upserts the given records, keyed by host and port. Only
// records that succeeded at least once are worth caching.
func (c *Cache) SaveRecords(recs []models.Record) error {
	tx, err := c.db.Begin()
	if err != nil {
		return err
	}

	const query = `
	INSERT INTO servers (
		host, port, name, map, game, version, country_code,
		mods, players, max_players, protocol, passworded, ping_ms, last_success
	)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(host, port) DO UPDATE SET
		name         = excluded.name,
		map          = excluded.map,
		game         = excluded.game,
		version      = excluded.version,
		mods         = excluded.mods,
		players      = excluded.players,
		max_players  = excluded.max_players,
		protocol     = excluded.protocol,
		passworded   = excluded.passworded,
		ping_ms      = excluded.ping_ms,
		last_success = excluded.last_success,

		-- Keep a previously resolved country when the new record has none
		country_code = CASE WHEN excluded.country_code != '' THEN excluded.country_code ELSE servers.country_code END;
	`

	for _, rec := range recs {
		if rec.LastSuccess.IsZero() {
			continue
		}
		mods, err := json.Marshal(rec.Mods)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if _, err := tx.Exec(query,
			rec.Address.Host, rec.Address.Port, rec.Name, rec.Map, rec.Game, rec.Version, rec.CountryCode,
			string(mods), rec.Players, rec.MaxPlayers, rec.Protocol, rec.Passworded,
			rec.Ping.Milliseconds(), rec.LastSuccess,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// LoadRecords returns every cached record, most recently seen first.
func (c *Cache) LoadRecords() ([]models.Record, error) {
	rows, err := c.db.Query(`
		SELECT host, port, name, map, game, version, country_code,
		       mods, players, max_players, protocol, passworded, ping_ms, last_success
		FROM servers
		ORDER BY last_success DESC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var recs []models.Record
	for rows.Next() {
		var (
			rec    models.Record
			mods   string
			pingMS int64
		)
		if err := rows.Scan(
			&rec.Address.Host, &rec.Address.Port, &rec.Name, &rec.Map, &rec.Game, &rec.Version, &rec.CountryCode,
			&mods, &rec.Players, &rec.MaxPlayers, &rec.Protocol, &rec.Passworded, &pingMS, &rec.LastSuccess,
		); err != nil {
			continue
		}
		rec.Ping = time.Duration(pingMS) * time.Millisecond
		if mods != "" && mods != "null" {
			_ = json.Unmarshal([]byte(mods), &rec.Mods)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

// Prune deletes cached servers not successfully probed since the cutoff.
func (c *Cache) Prune(cutoff time.Time) (int64, error) {
	res, err := c.db.Exec(`DELETE FROM servers WHERE last_success < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

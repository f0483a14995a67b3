// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package store is the SQLite persistence layer for the appliance
// catalog: cameras, presets, destinations, timelines and execution
// history. Secrets (camera passwords, stream keys) are sealed before
// they touch disk and unsealed on read.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver (pure Go, no CGO)

	"github.com/vistter/vistterstream/internal/crypto"
)

// Store wraps the appliance database. Safe for concurrent use; writes
// serialize on SQLite's WAL writer.
type Store struct {
	db     *sql.DB
	sealer *crypto.Sealer
}

// Open initializes the database, applies pragmas and runs migrations.
// busy_timeout avoids "database locked" under concurrent readers.
func Open(dbPath string, sealer *crypto.Sealer) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, sealer: sealer}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cameras (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		address TEXT NOT NULL,
		username TEXT NOT NULL DEFAULT '',
		password TEXT NOT NULL DEFAULT '',
		protocol TEXT NOT NULL DEFAULT 'rtsp' CHECK(protocol IN ('rtsp', 'rtmp')),
		stream_path TEXT NOT NULL DEFAULT '',
		snapshot_url TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT 'stationary' CHECK(type IN ('stationary', 'ptz')),
		onvif_endpoint TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS presets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		camera_id INTEGER NOT NULL REFERENCES cameras(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		pan REAL NOT NULL DEFAULT 0,
		tilt REAL NOT NULL DEFAULT 0,
		zoom REAL NOT NULL DEFAULT 0,
		UNIQUE (camera_id, name)
	);

	CREATE TABLE IF NOT EXISTS destinations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		platform TEXT NOT NULL CHECK(platform IN ('youtube', 'facebook', 'twitch', 'custom_rtmp')),
		rtmp_url TEXT NOT NULL,
		stream_key TEXT NOT NULL DEFAULT '',
		channel_id TEXT NOT NULL DEFAULT '',
		stream_id TEXT NOT NULL DEFAULT '',
		broadcast_id TEXT NOT NULL DEFAULT '',
		watchdog_enabled INTEGER NOT NULL DEFAULT 0,
		watchdog_interval_s INTEGER NOT NULL DEFAULT 0,
		watchdog_threshold INTEGER NOT NULL DEFAULT 0,
		watchdog_live_url TEXT NOT NULL DEFAULT '',
		last_used TEXT
	);

	CREATE TABLE IF NOT EXISTS timelines (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		fps INTEGER NOT NULL DEFAULT 30,
		width INTEGER NOT NULL DEFAULT 1920,
		height INTEGER NOT NULL DEFAULT 1080,
		loop INTEGER NOT NULL DEFAULT 0,
		duration REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tracks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timeline_id INTEGER NOT NULL REFERENCES timelines(id) ON DELETE CASCADE,
		kind TEXT NOT NULL CHECK(kind IN ('video', 'overlay', 'audio')),
		layer INTEGER NOT NULL DEFAULT 0,
		enabled INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS cues (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		track_id INTEGER NOT NULL REFERENCES tracks(id) ON DELETE CASCADE,
		cue_order INTEGER NOT NULL DEFAULT 0,
		start REAL NOT NULL,
		duration REAL NOT NULL,
		action TEXT NOT NULL,
		transition_in TEXT NOT NULL DEFAULT '',
		transition_out TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS assets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL CHECK(kind IN ('static_image', 'api_image', 'video', 'graphic')),
		local_path TEXT NOT NULL DEFAULT '',
		remote_url TEXT NOT NULL DEFAULT '',
		refresh_interval_s INTEGER NOT NULL DEFAULT 0,
		default_width INTEGER NOT NULL DEFAULT 0,
		default_height INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		timeline_id INTEGER NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT 'R_NONE',
		error TEXT NOT NULL DEFAULT '',
		cues_executed INTEGER NOT NULL DEFAULT 0,
		cue_failures INTEGER NOT NULL DEFAULT 0,
		encoder_restarts INTEGER NOT NULL DEFAULT 0,
		loop_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_presets_camera ON presets(camera_id);
	CREATE INDEX IF NOT EXISTS idx_tracks_timeline ON tracks(timeline_id);
	CREATE INDEX IF NOT EXISTS idx_cues_track ON cues(track_id, start);
	CREATE INDEX IF NOT EXISTS idx_executions_timeline ON executions(timeline_id, started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

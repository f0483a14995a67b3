// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vistter/vistterstream/internal/model"
)

// SaveDestination inserts (ID zero) or updates a broadcast destination.
// The stream key is sealed before storage.
func (s *Store) SaveDestination(ctx context.Context, d *model.Destination) error {
	if d.Name == "" || d.RTMPURL == "" {
		return fmt.Errorf("%w: destination needs a name and RTMP URL", model.ErrConfigInvalid)
	}
	if !strings.HasPrefix(d.RTMPURL, "rtmp://") && !strings.HasPrefix(d.RTMPURL, "rtmps://") {
		return fmt.Errorf("%w: destination %q URL must be rtmp:// or rtmps://", model.ErrConfigInvalid, d.Name)
	}
	switch d.Platform {
	case model.PlatformYouTube, model.PlatformFacebook, model.PlatformTwitch, model.PlatformCustomRTMP:
	default:
		return fmt.Errorf("%w: unknown platform %q", model.ErrConfigInvalid, d.Platform)
	}
	sealed, err := s.sealer.Seal(d.StreamKey)
	if err != nil {
		return fmt.Errorf("seal stream key: %w", err)
	}

	var lastUsed any
	if !d.LastUsed.IsZero() {
		lastUsed = d.LastUsed.UTC().Format(time.RFC3339)
	}

	if d.ID == 0 {
		res, err := s.db.ExecContext(ctx, `
		INSERT INTO destinations (name, platform, rtmp_url, stream_key, channel_id, stream_id, broadcast_id,
			watchdog_enabled, watchdog_interval_s, watchdog_threshold, watchdog_live_url, last_used)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.Name, string(d.Platform), d.RTMPURL, sealed, d.ChannelID, d.StreamID, d.BroadcastID,
			d.Watchdog.Enabled, int(d.Watchdog.CheckInterval.Seconds()), d.Watchdog.FailureThreshold,
			d.Watchdog.LiveURL, lastUsed)
		if err != nil {
			return err
		}
		d.ID, err = res.LastInsertId()
		return err
	}

	res, err := s.db.ExecContext(ctx, `
	UPDATE destinations SET name = ?, platform = ?, rtmp_url = ?, stream_key = ?, channel_id = ?,
		stream_id = ?, broadcast_id = ?, watchdog_enabled = ?, watchdog_interval_s = ?,
		watchdog_threshold = ?, watchdog_live_url = ?, last_used = ?
	WHERE id = ?`,
		d.Name, string(d.Platform), d.RTMPURL, sealed, d.ChannelID, d.StreamID, d.BroadcastID,
		d.Watchdog.Enabled, int(d.Watchdog.CheckInterval.Seconds()), d.Watchdog.FailureThreshold,
		d.Watchdog.LiveURL, lastUsed, d.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: destination %d", model.ErrNotFound, d.ID)
	}
	return nil
}

// Destination loads one destination with its stream key unsealed.
func (s *Store) Destination(ctx context.Context, id int64) (model.Destination, error) {
	row := s.db.QueryRowContext(ctx, destinationColumns+` WHERE id = ?`, id)
	d, err := s.scanDestination(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Destination{}, fmt.Errorf("%w: destination %d", model.ErrNotFound, id)
	}
	return d, err
}

// Destinations lists all destinations ordered by name.
func (s *Store) Destinations(ctx context.Context) ([]model.Destination, error) {
	rows, err := s.db.QueryContext(ctx, destinationColumns+` ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.Destination
	for rows.Next() {
		d, err := s.scanDestination(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// TouchDestination records the moment a destination went live.
func (s *Store) TouchDestination(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE destinations SET last_used = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339), id)
	return err
}

// DeleteDestination removes one destination.
func (s *Store) DeleteDestination(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM destinations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: destination %d", model.ErrNotFound, id)
	}
	return nil
}

const destinationColumns = `
	SELECT id, name, platform, rtmp_url, stream_key, channel_id, stream_id, broadcast_id,
		watchdog_enabled, watchdog_interval_s, watchdog_threshold, watchdog_live_url, last_used
	FROM destinations`

func (s *Store) scanDestination(r rowScanner) (model.Destination, error) {
	var d model.Destination
	var platform, sealed string
	var intervalS int
	var lastUsed sql.NullString
	if err := r.Scan(&d.ID, &d.Name, &platform, &d.RTMPURL, &sealed, &d.ChannelID, &d.StreamID,
		&d.BroadcastID, &d.Watchdog.Enabled, &intervalS, &d.Watchdog.FailureThreshold,
		&d.Watchdog.LiveURL, &lastUsed); err != nil {
		return model.Destination{}, err
	}
	d.Platform = model.Platform(platform)
	d.Watchdog.CheckInterval = time.Duration(intervalS) * time.Second
	if lastUsed.Valid {
		if t, err := time.Parse(time.RFC3339, lastUsed.String); err == nil {
			d.LastUsed = t
		}
	}
	key, err := s.sealer.Open(sealed)
	if err != nil {
		return model.Destination{}, fmt.Errorf("unseal destination %d stream key: %w", d.ID, err)
	}
	d.StreamKey = key
	return d, nil
}

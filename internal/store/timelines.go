// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vistter/vistterstream/internal/model"
)

// SaveTimeline writes the timeline and its full track/cue tree in one
// transaction, replacing any previous tree. The timeline must validate
// before it is accepted; a rejected save leaves the stored version
// untouched.
func (s *Store) SaveTimeline(ctx context.Context, t *model.Timeline) error {
	if err := t.Validate(); err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if t.ID == 0 {
			res, err := tx.ExecContext(ctx, `
			INSERT INTO timelines (name, fps, width, height, loop, duration) VALUES (?, ?, ?, ?, ?, ?)`,
				t.Name, t.FPS, t.Width, t.Height, t.Loop, t.Duration)
			if err != nil {
				return err
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			t.ID = id
		} else {
			res, err := tx.ExecContext(ctx, `
			UPDATE timelines SET name = ?, fps = ?, width = ?, height = ?, loop = ?, duration = ? WHERE id = ?`,
				t.Name, t.FPS, t.Width, t.Height, t.Loop, t.Duration, t.ID)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("%w: timeline %d", model.ErrNotFound, t.ID)
			}
			// Cascade clears cues with the tracks.
			if _, err := tx.ExecContext(ctx, `DELETE FROM tracks WHERE timeline_id = ?`, t.ID); err != nil {
				return err
			}
		}

		for ti := range t.Tracks {
			tr := &t.Tracks[ti]
			tr.TimelineID = t.ID
			res, err := tx.ExecContext(ctx, `
			INSERT INTO tracks (timeline_id, kind, layer, enabled) VALUES (?, ?, ?, ?)`,
				t.ID, string(tr.Kind), tr.Layer, tr.Enabled)
			if err != nil {
				return err
			}
			trackID, err := res.LastInsertId()
			if err != nil {
				return err
			}
			tr.ID = trackID

			for ci := range tr.Cues {
				c := &tr.Cues[ci]
				c.TrackID = trackID
				raw, err := model.MarshalAction(c.Action)
				if err != nil {
					return fmt.Errorf("cue %d: %w", c.ID, err)
				}
				res, err := tx.ExecContext(ctx, `
				INSERT INTO cues (track_id, cue_order, start, duration, action, transition_in, transition_out)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
					trackID, c.Order, c.Start, c.Duration, string(raw), c.TransitionIn, c.TransitionOut)
				if err != nil {
					return err
				}
				c.ID, err = res.LastInsertId()
				if err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Timeline loads one timeline with tracks and cues hydrated.
func (s *Store) Timeline(ctx context.Context, id int64) (*model.Timeline, error) {
	t := &model.Timeline{}
	err := s.db.QueryRowContext(ctx, `
	SELECT id, name, fps, width, height, loop, duration FROM timelines WHERE id = ?`, id).
		Scan(&t.ID, &t.Name, &t.FPS, &t.Width, &t.Height, &t.Loop, &t.Duration)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: timeline %d", model.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadTracks(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Timelines lists timeline headers without their track trees.
func (s *Store) Timelines(ctx context.Context) ([]model.Timeline, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, name, fps, width, height, loop, duration FROM timelines ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.Timeline
	for rows.Next() {
		var t model.Timeline
		if err := rows.Scan(&t.ID, &t.Name, &t.FPS, &t.Width, &t.Height, &t.Loop, &t.Duration); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteTimeline removes the timeline and its track tree.
func (s *Store) DeleteTimeline(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM timelines WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: timeline %d", model.ErrNotFound, id)
	}
	return nil
}

func (s *Store) loadTracks(ctx context.Context, t *model.Timeline) error {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, kind, layer, enabled FROM tracks WHERE timeline_id = ? ORDER BY layer, id`, t.ID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var tr model.Track
		var kind string
		if err := rows.Scan(&tr.ID, &kind, &tr.Layer, &tr.Enabled); err != nil {
			return err
		}
		tr.TimelineID = t.ID
		tr.Kind = model.TrackKind(kind)
		t.Tracks = append(t.Tracks, tr)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for i := range t.Tracks {
		if err := s.loadCues(ctx, &t.Tracks[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) loadCues(ctx context.Context, tr *model.Track) error {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, cue_order, start, duration, action, transition_in, transition_out
	FROM cues WHERE track_id = ? ORDER BY start`, tr.ID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var c model.Cue
		var raw string
		if err := rows.Scan(&c.ID, &c.Order, &c.Start, &c.Duration, &raw, &c.TransitionIn, &c.TransitionOut); err != nil {
			return err
		}
		c.TrackID = tr.ID
		action, err := model.UnmarshalAction([]byte(raw))
		if err != nil {
			return fmt.Errorf("track %d cue %d: %w", tr.ID, c.ID, err)
		}
		c.Action = action
		tr.Cues = append(tr.Cues, c)
	}
	return rows.Err()
}

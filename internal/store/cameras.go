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

// SaveCamera inserts the camera (ID zero) or updates it in place. The
// password is sealed before it reaches the database.
func (s *Store) SaveCamera(ctx context.Context, cam *model.Camera) error {
	if cam.Name == "" || cam.Address == "" {
		return fmt.Errorf("%w: camera needs a name and address", model.ErrConfigInvalid)
	}
	if cam.Type == model.CameraPTZ && cam.ONVIFEndpoint == "" {
		return fmt.Errorf("%w: ptz camera %q needs an ONVIF endpoint", model.ErrConfigInvalid, cam.Name)
	}
	if cam.Protocol == "" {
		cam.Protocol = model.ProtocolRTSP
	}
	if cam.Type == "" {
		cam.Type = model.CameraStationary
	}
	sealed, err := s.sealer.Seal(cam.Password)
	if err != nil {
		return fmt.Errorf("seal camera password: %w", err)
	}

	if cam.ID == 0 {
		res, err := s.db.ExecContext(ctx, `
		INSERT INTO cameras (name, address, username, password, protocol, stream_path, snapshot_url, type, onvif_endpoint, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cam.Name, cam.Address, cam.Username, sealed, string(cam.Protocol),
			cam.StreamPath, cam.SnapshotURL, string(cam.Type), cam.ONVIFEndpoint, cam.Enabled)
		if err != nil {
			return err
		}
		cam.ID, err = res.LastInsertId()
		return err
	}

	res, err := s.db.ExecContext(ctx, `
	UPDATE cameras SET name = ?, address = ?, username = ?, password = ?, protocol = ?,
		stream_path = ?, snapshot_url = ?, type = ?, onvif_endpoint = ?, enabled = ?
	WHERE id = ?`,
		cam.Name, cam.Address, cam.Username, sealed, string(cam.Protocol),
		cam.StreamPath, cam.SnapshotURL, string(cam.Type), cam.ONVIFEndpoint, cam.Enabled, cam.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: camera %d", model.ErrNotFound, cam.ID)
	}
	return nil
}

// Camera loads one camera with its password unsealed.
func (s *Store) Camera(ctx context.Context, id int64) (model.Camera, error) {
	row := s.db.QueryRowContext(ctx, `
	SELECT id, name, address, username, password, protocol, stream_path, snapshot_url, type, onvif_endpoint, enabled
	FROM cameras WHERE id = ?`, id)
	cam, err := s.scanCamera(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Camera{}, fmt.Errorf("%w: camera %d", model.ErrNotFound, id)
	}
	return cam, err
}

// Cameras lists all cameras ordered by name.
func (s *Store) Cameras(ctx context.Context) ([]model.Camera, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, name, address, username, password, protocol, stream_path, snapshot_url, type, onvif_endpoint, enabled
	FROM cameras ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.Camera
	for rows.Next() {
		cam, err := s.scanCamera(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cam)
	}
	return out, rows.Err()
}

// DeleteCamera removes the camera and, via cascade, its presets.
func (s *Store) DeleteCamera(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cameras WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: camera %d", model.ErrNotFound, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanCamera(r rowScanner) (model.Camera, error) {
	var cam model.Camera
	var protocol, typ, sealed string
	if err := r.Scan(&cam.ID, &cam.Name, &cam.Address, &cam.Username, &sealed, &protocol,
		&cam.StreamPath, &cam.SnapshotURL, &typ, &cam.ONVIFEndpoint, &cam.Enabled); err != nil {
		return model.Camera{}, err
	}
	cam.Protocol = model.Protocol(protocol)
	cam.Type = model.CameraType(typ)
	password, err := s.sealer.Open(sealed)
	if err != nil {
		return model.Camera{}, fmt.Errorf("unseal camera %d password: %w", cam.ID, err)
	}
	cam.Password = password
	return cam, nil
}

// SavePreset inserts (ID zero) or updates a PTZ preset.
func (s *Store) SavePreset(ctx context.Context, p *model.Preset) error {
	if p.CameraID == 0 || p.Name == "" {
		return fmt.Errorf("%w: preset needs a camera and name", model.ErrConfigInvalid)
	}
	if p.ID == 0 {
		res, err := s.db.ExecContext(ctx, `
		INSERT INTO presets (camera_id, name, pan, tilt, zoom) VALUES (?, ?, ?, ?, ?)`,
			p.CameraID, p.Name, p.Pan, p.Tilt, p.Zoom)
		if err != nil {
			return err
		}
		p.ID, err = res.LastInsertId()
		return err
	}
	res, err := s.db.ExecContext(ctx, `
	UPDATE presets SET camera_id = ?, name = ?, pan = ?, tilt = ?, zoom = ? WHERE id = ?`,
		p.CameraID, p.Name, p.Pan, p.Tilt, p.Zoom, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: preset %d", model.ErrNotFound, p.ID)
	}
	return nil
}

// Preset loads one stored PTZ position.
func (s *Store) Preset(ctx context.Context, id int64) (model.Preset, error) {
	var p model.Preset
	err := s.db.QueryRowContext(ctx, `
	SELECT id, camera_id, name, pan, tilt, zoom FROM presets WHERE id = ?`, id).
		Scan(&p.ID, &p.CameraID, &p.Name, &p.Pan, &p.Tilt, &p.Zoom)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Preset{}, fmt.Errorf("%w: preset %d", model.ErrNotFound, id)
	}
	return p, err
}

// Presets lists presets for one camera.
func (s *Store) Presets(ctx context.Context, cameraID int64) ([]model.Preset, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, camera_id, name, pan, tilt, zoom FROM presets WHERE camera_id = ? ORDER BY name`, cameraID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.Preset
	for rows.Next() {
		var p model.Preset
		if err := rows.Scan(&p.ID, &p.CameraID, &p.Name, &p.Pan, &p.Tilt, &p.Zoom); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePreset removes one preset.
func (s *Store) DeletePreset(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM presets WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: preset %d", model.ErrNotFound, id)
	}
	return nil
}

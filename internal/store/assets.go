// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vistter/vistterstream/internal/model"
)

// SaveAsset inserts (ID zero) or updates an overlay asset record.
func (s *Store) SaveAsset(ctx context.Context, a *model.Asset) error {
	if a.Name == "" {
		return fmt.Errorf("%w: asset needs a name", model.ErrConfigInvalid)
	}
	switch a.Kind {
	case model.AssetStaticImage, model.AssetAPIImage, model.AssetVideo, model.AssetGraphic:
	default:
		return fmt.Errorf("%w: unknown asset kind %q", model.ErrConfigInvalid, a.Kind)
	}
	if a.Kind == model.AssetAPIImage && a.RemoteURL == "" {
		return fmt.Errorf("%w: api_image asset %q needs a remote URL", model.ErrConfigInvalid, a.Name)
	}

	if a.ID == 0 {
		res, err := s.db.ExecContext(ctx, `
		INSERT INTO assets (name, kind, local_path, remote_url, refresh_interval_s, default_width, default_height)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
			a.Name, string(a.Kind), a.LocalPath, a.RemoteURL,
			int(a.RefreshInterval.Seconds()), a.DefaultWidth, a.DefaultHeight)
		if err != nil {
			return err
		}
		a.ID, err = res.LastInsertId()
		return err
	}

	res, err := s.db.ExecContext(ctx, `
	UPDATE assets SET name = ?, kind = ?, local_path = ?, remote_url = ?,
		refresh_interval_s = ?, default_width = ?, default_height = ?
	WHERE id = ?`,
		a.Name, string(a.Kind), a.LocalPath, a.RemoteURL,
		int(a.RefreshInterval.Seconds()), a.DefaultWidth, a.DefaultHeight, a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: asset %d", model.ErrNotFound, a.ID)
	}
	return nil
}

// Asset loads one asset record.
func (s *Store) Asset(ctx context.Context, id int64) (model.Asset, error) {
	row := s.db.QueryRowContext(ctx, assetColumns+` WHERE id = ?`, id)
	a, err := scanAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Asset{}, fmt.Errorf("%w: asset %d", model.ErrNotFound, id)
	}
	return a, err
}

// Assets lists all assets ordered by name.
func (s *Store) Assets(ctx context.Context) ([]model.Asset, error) {
	rows, err := s.db.QueryContext(ctx, assetColumns+` ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteAsset removes one asset record. The caller owns removal of the
// backing file.
func (s *Store) DeleteAsset(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM assets WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: asset %d", model.ErrNotFound, id)
	}
	return nil
}

const assetColumns = `
	SELECT id, name, kind, local_path, remote_url, refresh_interval_s, default_width, default_height
	FROM assets`

func scanAsset(r rowScanner) (model.Asset, error) {
	var a model.Asset
	var kind string
	var refreshS int
	if err := r.Scan(&a.ID, &a.Name, &kind, &a.LocalPath, &a.RemoteURL, &refreshS,
		&a.DefaultWidth, &a.DefaultHeight); err != nil {
		return model.Asset{}, err
	}
	a.Kind = model.AssetKind(kind)
	a.RefreshInterval = time.Duration(refreshS) * time.Second
	return a, nil
}

// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package model

import "errors"

// Sentinels for the standard error dispositions. ErrConfigInvalid
// lives in validate.go next to the validator.
var (
	// ErrNotFound covers lookups of absent entities (cameras,
	// timelines, destinations, assets).
	ErrNotFound = errors.New("not found")

	// ErrCameraUnreachable marks ingest sources that cannot be
	// reached or whose relay never turned healthy.
	ErrCameraUnreachable = errors.New("camera unreachable")

	// ErrAlreadyRunning rejects a second start for a timeline or
	// stream that already has a live process.
	ErrAlreadyRunning = errors.New("already running")

	// ErrEncoderFatal marks an encoder whose restart budget is
	// exhausted; the execution transitions to error.
	ErrEncoderFatal = errors.New("encoder fatal")
)

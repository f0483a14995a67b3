// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldStreamID      = "stream_id"
	FieldExecutionID   = "execution_id"
	FieldCorrelationID = "correlation_id"
	FieldRequestID     = "request_id"
	FieldCameraID      = "camera_id"
	FieldTimelineID    = "timeline_id"
	FieldDestinationID = "destination_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldPID       = "pid"

	// Media / stream fields
	FieldFPS        = "fps"
	FieldBitrate    = "bitrate_kbps"
	FieldEncoder    = "encoder"
	FieldResolution = "resolution"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldMode     = "mode"

	// Path / URL fields
	FieldPath = "path"
	FieldURL  = "url"
)

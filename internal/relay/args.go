// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package relay

import "github.com/vistter/vistterstream/internal/model"

// Args builds the relay's encoder argv: copy the camera stream to the
// local RTMP application without re-encoding. RTSP ingest pins TCP
// transport; UDP over appliance Wi-Fi loses too many packets.
func Args(cam model.Camera, localURL string) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-progress", "pipe:2",
	}
	if cam.Protocol == model.ProtocolRTSP || cam.Protocol == "" {
		args = append(args,
			"-rtsp_transport", "tcp",
			"-timeout", "5000000", // socket I/O timeout, microseconds
		)
	}
	args = append(args,
		"-i", cam.SourceURL(),
		"-c", "copy",
		"-f", "flv",
		localURL,
	)
	return args
}

// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package supervisor

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/vistter/vistterstream/internal/log"
	"github.com/vistter/vistterstream/internal/metrics"
	"github.com/vistter/vistterstream/internal/procgroup"
)

// Signature is the marker every appliance-owned encoder command line
// carries: the local relay application path. Relay processes publish to
// it and composite encoders read from it, so both are reapable.
const Signature = "/vistterstream/"

// reapable reports whether a /proc entry is one of ours: the encoder
// binary, carrying the relay signature, and not this daemon.
func reapable(argv []string, pid, self int, binBase string) bool {
	if pid == self || len(argv) == 0 {
		return false
	}
	if filepath.Base(argv[0]) != binBase {
		return false
	}
	return strings.Contains(strings.Join(argv, " "), Signature)
}

func procArgv(name string) []string {
	raw, err := os.ReadFile(filepath.Join("/proc", name, "cmdline"))
	if err != nil || len(raw) == 0 {
		return nil
	}
	return strings.Split(string(bytes.TrimRight(raw, "\x00")), "\x00")
}

// ReapOrphans scans the process table for encoder processes left over
// from a previous daemon run and kills them. Returns the number reaped.
// Running it twice in a row returns 0 the second time.
func (s *Supervisor) ReapOrphans() int {
	logger := log.WithComponent("supervisor")
	binBase := filepath.Base(s.cfg.BinPath)

	entries, err := os.ReadDir("/proc")
	if err != nil {
		// Non-procfs platform: nothing to scan.
		return 0
	}

	self := os.Getpid()
	count := 0
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || !reapable(procArgv(e.Name()), pid, self, binBase) {
			continue
		}
		logger.Warn().Int(log.FieldPID, pid).Msg("reaping orphan encoder process")
		_ = procgroup.SignalPID(pid, syscall.SIGTERM)
		count++
	}

	if count > 0 {
		// Give the group a moment to exit, then force. The second pass
		// applies the same filters as the first, so the daemon itself
		// and unrelated processes stay untouched.
		time.Sleep(2 * time.Second)
		for _, e := range entries {
			pid, err := strconv.Atoi(e.Name())
			if err != nil || !reapable(procArgv(e.Name()), pid, self, binBase) {
				continue
			}
			_ = procgroup.SignalPID(pid, syscall.SIGKILL)
		}
		metrics.OrphansReapedTotal.Add(float64(count))
	}
	return count
}

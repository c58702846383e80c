// Copyright (c) 2025, the nova-desktop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package integrity

import (
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// debuggerEnvVars are set by common inspection tooling.
var debuggerEnvVars = []string{
	"NOVA_DEBUG_ATTACH",
	"DELVE_PORT",
	"__DELVE_LAUNCH",
}

// DebuggerPresent applies lightweight heuristics for an attached debugger or
// process inspector. A positive result is treated as a tamper condition by
// the caller; false negatives are expected and accepted.
func DebuggerPresent() bool {
	for _, env := range debuggerEnvVars {
		if os.Getenv(env) != "" {
			log.Warn().Str("env", env).Msg("Debugger environment variable set")
			return true
		}
	}

	if runtime.GOOS == "linux" && tracerAttached() {
		log.Warn().Msg("Tracer process attached")
		return true
	}

	return false
}

// tracerAttached reads TracerPid from /proc/self/status. A nonzero pid means
// something is ptrace-attached to us.
func tracerAttached() bool {
	data, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return false
	}

	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "TracerPid:") {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "TracerPid:")))
		return err == nil && pid != 0
	}

	return false
}

// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig wraps all validation failures.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Validate checks invariants the rest of the daemon relies on. A failed
// validation never partially applies: callers keep their previous Config.
func Validate(cfg Config) error {
	var problems []string

	if cfg.Server.Addr == "" {
		problems = append(problems, "server.addr must not be empty")
	}
	if cfg.Server.DataDir == "" {
		problems = append(problems, "server.data_dir must not be empty")
	}
	if cfg.Server.ShutdownGrace < 0 {
		problems = append(problems, "server.shutdown_grace must not be negative")
	}

	if cfg.Store.MaxOpenConns < 1 {
		problems = append(problems, "store.max_open_conns must be >= 1")
	}
	if cfg.Store.AppendRetries < 1 {
		problems = append(problems, "store.append_retries must be >= 1")
	}

	if cfg.Media.MaxUploadBytes <= 0 {
		problems = append(problems, "media.max_upload_bytes must be positive")
	}

	if cfg.Hub.RingSize < 1 {
		problems = append(problems, "hub.ring_size must be >= 1")
	}
	if cfg.Hub.HeartbeatInterval <= 0 {
		problems = append(problems, "hub.heartbeat_interval must be positive")
	}
	if cfg.Hub.HeartbeatMisses < 1 {
		problems = append(problems, "hub.heartbeat_misses must be >= 1")
	}
	if cfg.Hub.SendQueueSize < 1 {
		problems = append(problems, "hub.send_queue_size must be >= 1")
	}
	if cfg.Hub.DedupTTL <= 0 {
		problems = append(problems, "hub.dedup_ttl must be positive")
	}

	if cfg.Limits.MaxFrameBytes < 1024 {
		problems = append(problems, "limits.max_frame_bytes must be >= 1024")
	}
	if cfg.Limits.MaxOpBytes < 1 {
		problems = append(problems, "limits.max_op_bytes must be >= 1")
	}
	if int64(cfg.Limits.MaxOpBytes) > cfg.Limits.MaxFrameBytes {
		problems = append(problems, "limits.max_op_bytes must not exceed limits.max_frame_bytes")
	}
	if cfg.Limits.OpsPerSecond <= 0 {
		problems = append(problems, "limits.ops_per_second must be positive")
	}
	if cfg.Limits.OpsBurst < 1 {
		problems = append(problems, "limits.ops_burst must be >= 1")
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrInvalidConfig, problems)
}

// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Loader produces validated Config values from defaults, an optional YAML
// file and CANVASHUB_* environment overrides (highest precedence).
type Loader struct {
	Path string // optional YAML file path
}

// Load builds the effective configuration.
func (l *Loader) Load() (Config, error) {
	cfg := Defaults()

	if l.Path != "" {
		raw, err := os.ReadFile(l.Path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", l.Path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", l.Path, err)
		}
	}

	applyEnv(&cfg)
	deriveDefaults(&cfg)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Addr = ParseString("CANVASHUB_ADDR", cfg.Server.Addr)
	cfg.Server.DataDir = ParseString("CANVASHUB_DATA", cfg.Server.DataDir)
	cfg.Server.ShutdownGrace = ParseDuration("CANVASHUB_SHUTDOWN_GRACE", cfg.Server.ShutdownGrace)

	cfg.Store.Path = ParseString("CANVASHUB_DB", cfg.Store.Path)
	cfg.Store.BusyTimeout = ParseDuration("CANVASHUB_DB_BUSY_TIMEOUT", cfg.Store.BusyTimeout)
	cfg.Store.MaxOpenConns = ParseInt("CANVASHUB_DB_MAX_CONNS", cfg.Store.MaxOpenConns)
	cfg.Store.SnapshotEvery = ParseDuration("CANVASHUB_SNAPSHOT_EVERY", cfg.Store.SnapshotEvery)
	cfg.Store.AppendRetries = ParseInt("CANVASHUB_APPEND_RETRIES", cfg.Store.AppendRetries)

	cfg.Media.Dir = ParseString("CANVASHUB_MEDIA_DIR", cfg.Media.Dir)
	cfg.Media.FFmpegPath = ParseString("CANVASHUB_FFMPEG", cfg.Media.FFmpegPath)
	cfg.Media.MaxUploadBytes = ParseInt64("CANVASHUB_MAX_UPLOAD_BYTES", cfg.Media.MaxUploadBytes)
	cfg.Media.TranscodeVideo = ParseBool("CANVASHUB_TRANSCODE_VIDEO", cfg.Media.TranscodeVideo)

	cfg.Hub.RingSize = ParseInt("CANVASHUB_RING_SIZE", cfg.Hub.RingSize)
	cfg.Hub.HeartbeatInterval = ParseDuration("CANVASHUB_HEARTBEAT_INTERVAL", cfg.Hub.HeartbeatInterval)
	cfg.Hub.HeartbeatMisses = ParseInt("CANVASHUB_HEARTBEAT_MISSES", cfg.Hub.HeartbeatMisses)
	cfg.Hub.SendQueueSize = ParseInt("CANVASHUB_SEND_QUEUE", cfg.Hub.SendQueueSize)
	cfg.Hub.DedupTTL = ParseDuration("CANVASHUB_DEDUP_TTL", cfg.Hub.DedupTTL)
	cfg.Hub.RoomLinger = ParseDuration("CANVASHUB_ROOM_LINGER", cfg.Hub.RoomLinger)

	cfg.Limits.MaxFrameBytes = ParseInt64("CANVASHUB_MAX_FRAME_BYTES", cfg.Limits.MaxFrameBytes)
	cfg.Limits.MaxOpBytes = ParseInt("CANVASHUB_MAX_OP_BYTES", cfg.Limits.MaxOpBytes)
	cfg.Limits.OpsPerSecond = ParseFloat("CANVASHUB_OPS_PER_SECOND", cfg.Limits.OpsPerSecond)
	cfg.Limits.OpsBurst = ParseInt("CANVASHUB_OPS_BURST", cfg.Limits.OpsBurst)

	cfg.Cache.RedisAddr = ParseString("CANVASHUB_REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Cache.RedisPassword = ParseString("CANVASHUB_REDIS_PASSWORD", cfg.Cache.RedisPassword)
	cfg.Cache.RedisDB = ParseInt("CANVASHUB_REDIS_DB", cfg.Cache.RedisDB)
	cfg.Cache.TTL = ParseDuration("CANVASHUB_CACHE_TTL", cfg.Cache.TTL)

	cfg.Log.Level = ParseString("CANVASHUB_LOG_LEVEL", cfg.Log.Level)
	cfg.Telemetry.OTLPEndpoint = ParseString("CANVASHUB_OTLP_ENDPOINT", cfg.Telemetry.OTLPEndpoint)
}

// deriveDefaults fills paths that default relative to the data directory.
func deriveDefaults(cfg *Config) {
	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(cfg.Server.DataDir, "canvashub.db")
	}
	if cfg.Media.Dir == "" {
		cfg.Media.Dir = filepath.Join(cfg.Server.DataDir, "media")
	}
}

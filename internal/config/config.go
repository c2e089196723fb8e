// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package config defines the canvashub runtime configuration, loaded from
// defaults, an optional YAML file and CANVASHUB_* environment overrides.
package config

import "time"

// Config is the complete daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Media     MediaConfig     `yaml:"media"`
	Hub       HubConfig       `yaml:"hub"`
	Limits    LimitsConfig    `yaml:"limits"`
	Cache     CacheConfig     `yaml:"cache"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig covers the HTTP listener and process lifecycle.
type ServerConfig struct {
	Addr          string        `yaml:"addr"`
	DataDir       string        `yaml:"data_dir"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// StoreConfig covers the SQLite persistence layer.
type StoreConfig struct {
	Path            string        `yaml:"path"`
	BusyTimeout     time.Duration `yaml:"busy_timeout"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	SnapshotEvery   time.Duration `yaml:"snapshot_every"`
	AppendRetries   int           `yaml:"append_retries"`
	CleanupOnDemand bool          `yaml:"cleanup_on_demand"`
}

// MediaConfig covers content-addressed media ingestion.
type MediaConfig struct {
	Dir            string `yaml:"dir"`
	FFmpegPath     string `yaml:"ffmpeg_path"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
	TranscodeVideo bool   `yaml:"transcode_video"`
}

// HubConfig covers rooms, sessions and the sync protocol.
type HubConfig struct {
	RingSize          int           `yaml:"ring_size"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatMisses   int           `yaml:"heartbeat_misses"`
	SendQueueSize     int           `yaml:"send_queue_size"`
	DedupTTL          time.Duration `yaml:"dedup_ttl"`
	RoomLinger        time.Duration `yaml:"room_linger"`
}

// LimitsConfig covers payload and rate limits.
type LimitsConfig struct {
	MaxFrameBytes int64   `yaml:"max_frame_bytes"`
	MaxOpBytes    int     `yaml:"max_op_bytes"`
	OpsPerSecond  float64 `yaml:"ops_per_second"`
	OpsBurst      int     `yaml:"ops_burst"`
}

// CacheConfig covers the optional Redis-backed metadata cache.
type CacheConfig struct {
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	TTL           time.Duration `yaml:"ttl"`
}

// LogConfig covers logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// TelemetryConfig covers optional OTLP tracing.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr:          ":8088",
			DataDir:       "/var/lib/canvashub",
			ShutdownGrace: 10 * time.Second,
		},
		Store: StoreConfig{
			Path:            "", // derived from DataDir when empty
			BusyTimeout:     5 * time.Second,
			MaxOpenConns:    25,
			SnapshotEvery:   5 * time.Minute,
			AppendRetries:   3,
			CleanupOnDemand: true,
		},
		Media: MediaConfig{
			Dir:            "", // derived from DataDir when empty
			FFmpegPath:     "ffmpeg",
			MaxUploadBytes: 512 << 20,
			TranscodeVideo: false,
		},
		Hub: HubConfig{
			RingSize:          256,
			HeartbeatInterval: 10 * time.Second,
			HeartbeatMisses:   3,
			SendQueueSize:     256,
			DedupTTL:          60 * time.Second,
			RoomLinger:        30 * time.Second,
		},
		Limits: LimitsConfig{
			MaxFrameBytes: 50 << 20,
			MaxOpBytes:    1 << 20,
			OpsPerSecond:  200,
			OpsBurst:      400,
		},
		Cache: CacheConfig{
			TTL: 5 * time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

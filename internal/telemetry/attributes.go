// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the application.
const (
	// HTTP attributes
	HTTPMethodKey     = "http.method"
	HTTPStatusCodeKey = "http.status_code"
	HTTPRouteKey      = "http.route"

	// Collaboration attributes
	ProjectIDKey    = "project.id"
	OperationIDKey  = "operation.id"
	OperationKey    = "operation.type"
	SequenceKey     = "operation.seq"
	ConnectionIDKey = "connection.id"

	// Media attributes
	MediaHashKey = "media.hash"
	MediaMimeKey = "media.mime"
	MediaSizeKey = "media.size_bytes"

	// Sync attributes
	SyncOutcomeKey = "sync.outcome"
	SyncLastSeqKey = "sync.last_seq"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// HTTPAttributes creates common HTTP span attributes.
func HTTPAttributes(method, route string, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(HTTPMethodKey, method),
		attribute.String(HTTPRouteKey, route),
		attribute.Int(HTTPStatusCodeKey, statusCode),
	}
}

// OperationAttributes creates span attributes for one pipeline execution.
func OperationAttributes(projectID int64, opID, opType string, seq uint64) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.Int64(ProjectIDKey, projectID),
		attribute.String(OperationKey, opType),
	}
	if opID != "" {
		attrs = append(attrs, attribute.String(OperationIDKey, opID))
	}
	if seq > 0 {
		attrs = append(attrs, attribute.Int64(SequenceKey, int64(seq))) // #nosec G115
	}
	return attrs
}

// MediaAttributes creates span attributes for an ingest.
func MediaAttributes(hash, mime string, size int64) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	if hash != "" {
		attrs = append(attrs, attribute.String(MediaHashKey, hash))
	}
	if mime != "" {
		attrs = append(attrs, attribute.String(MediaMimeKey, mime))
	}
	if size > 0 {
		attrs = append(attrs, attribute.Int64(MediaSizeKey, size))
	}
	return attrs
}

// ErrorAttributes creates standard error span attributes.
func ErrorAttributes(err error) []attribute.KeyValue {
	if err == nil {
		return nil
	}
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, err.Error()),
	}
}

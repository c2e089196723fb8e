package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationsTotal counts processed operations by type and result.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvashub_operations_total",
		Help: "Total operations processed by type and result",
	}, []string{"type", "result"})

	// OperationDuration tracks end-to-end pipeline latency per operation type.
	OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "canvashub_operation_duration_seconds",
		Help:    "Pipeline latency from receive to ack",
		Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"type"})

	// AppendRetriesTotal counts sequence conflicts resolved by retrying the append.
	AppendRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canvashub_append_retries_total",
		Help: "Operation log append retries after sequence conflicts",
	})

	// ConnectedSessions tracks currently attached websocket sessions per project.
	ConnectedSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "canvashub_connected_sessions",
		Help: "Currently connected sessions by project",
	}, []string{"project"})

	// BroadcastsTotal counts room broadcast fan-outs by message type.
	BroadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvashub_broadcasts_total",
		Help: "Room broadcasts by message type",
	}, []string{"type"})

	// SendQueueDropsTotal counts connections closed due to send queue overflow.
	SendQueueDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canvashub_send_queue_drops_total",
		Help: "Connections closed because their send queue overflowed",
	})

	// SyncChecksTotal counts sync_check requests by outcome.
	SyncChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvashub_sync_checks_total",
		Help: "sync_check requests by outcome (in_sync, ring, store, full_resync)",
	}, []string{"outcome"})

	// DedupHitsTotal counts operations short-circuited by the idempotency cache.
	DedupHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canvashub_dedup_hits_total",
		Help: "Operations answered from the idempotency cache",
	})

	// IngestBytesTotal counts bytes accepted by the media registry.
	IngestBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canvashub_ingest_bytes_total",
		Help: "Bytes accepted by media ingestion",
	})

	// IngestTotal counts media ingests by outcome.
	IngestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvashub_ingest_total",
		Help: "Media ingests by outcome (stored, deduped, failed)",
	}, []string{"outcome"})

	// ThumbnailDuration tracks per-size thumbnail derivation time.
	ThumbnailDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "canvashub_thumbnail_duration_seconds",
		Help:    "Thumbnail derivation time per size",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"size"})

	// PresenceEventsTotal counts presence transitions emitted to rooms.
	PresenceEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvashub_presence_events_total",
		Help: "Presence events by kind (user_joined, user_left, tab_closed)",
	}, []string{"kind"})

	// SnapshotCompactionsTotal counts snapshot rewrites from the operation log.
	SnapshotCompactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvashub_snapshot_compactions_total",
		Help: "Snapshot compactions by result",
	}, []string{"result"})
)

// IncOperation records one processed operation.
func IncOperation(opType, result string) {
	OperationsTotal.WithLabelValues(opType, result).Inc()
}

// ObserveOperation records pipeline latency for an accepted operation.
func ObserveOperation(opType string, d time.Duration) {
	OperationDuration.WithLabelValues(opType).Observe(d.Seconds())
}

// SetConnectedSessions records the session count for a project room.
func SetConnectedSessions(projectID int64, n int) {
	ConnectedSessions.WithLabelValues(strconv.FormatInt(projectID, 10)).Set(float64(n))
}

// IncBroadcast records one room fan-out.
func IncBroadcast(msgType string) {
	BroadcastsTotal.WithLabelValues(msgType).Inc()
}

// IncSyncCheck records a sync_check outcome.
func IncSyncCheck(outcome string) {
	SyncChecksTotal.WithLabelValues(outcome).Inc()
}

// IncPresence records a presence transition.
func IncPresence(kind string) {
	PresenceEventsTotal.WithLabelValues(kind).Inc()
}

// ObserveThumbnail records one thumbnail derivation.
func ObserveThumbnail(size int, d time.Duration) {
	ThumbnailDuration.WithLabelValues(strconv.Itoa(size)).Observe(d.Seconds())
}

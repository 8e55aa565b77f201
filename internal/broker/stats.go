package broker

// Stats is a point-in-time snapshot of broker state for observability. It
// is recomputed on every read from the registry and tracker; it is never
// itself a source of truth.
type Stats struct {
	AgentsConnected        int               `json:"agents_connected"`
	RequestsInflight       int               `json:"requests_inflight"`
	RequestsTotal          uint64            `json:"requests_total"`
	RequestsFailedByReason map[string]uint64 `json:"requests_failed_by_reason"`
}

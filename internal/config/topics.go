package config

const (
	// TopicJobStatus is the NSQ topic carrying job status-change events.
	// Consumers are optional; the core stays poll-based and publishing is
	// best-effort.
	TopicJobStatus = "jobs.status"
)

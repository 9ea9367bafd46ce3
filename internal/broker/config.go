package broker

import "time"

// Config holds every broker tunable. Each field has a sensible default
// and can be overridden independently.
type Config struct {
	MaxOutputChunks int
	MaxOutputBytes  int
	ReplayK         int

	MaxSessionsPerUser int

	PingInterval         time.Duration
	DetachReap           time.Duration
	DetachedTTL          time.Duration
	DeadTTL              time.Duration
	AuditInterval        time.Duration
	ReapInterval         time.Duration
	PtyGrace             time.Duration
	ShutdownGrace        time.Duration
	CWDDelay             time.Duration
	StaleClientThreshold time.Duration

	// ContainerMode, when true, directs CreateSession to open a
	// ContainerPty via the configured ContainerRuntime instead of a
	// HostPty via the configured PtySpawner.
	ContainerMode bool

	// SubscriberQueueSize bounds the per-subscriber fan-out channel before
	// the broker treats that subscriber as a slow consumer.
	SubscriberQueueSize int
}

// DefaultConfig returns the configuration table's defaults, unmodified.
func DefaultConfig() Config {
	return Config{
		MaxOutputChunks:      5000,
		MaxOutputBytes:       5 * 1024 * 1024,
		ReplayK:              500,
		MaxSessionsPerUser:   50,
		PingInterval:         30 * time.Second,
		DetachReap:           10 * time.Minute,
		DetachedTTL:          2 * time.Hour,
		DeadTTL:              24 * time.Hour,
		AuditInterval:        30 * time.Second,
		ReapInterval:         60 * time.Second,
		PtyGrace:             5 * time.Second,
		ShutdownGrace:        5 * time.Second,
		CWDDelay:             1 * time.Second,
		StaleClientThreshold: 5 * time.Minute,
		ContainerMode:        false,
		SubscriberQueueSize:  256,
	}
}

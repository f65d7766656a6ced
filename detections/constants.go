package detections

import "time"

const (
	RetryAttempts = 3
	RetryDelayMs  = 100

	// DefaultPoolSize Pool configuration
	DefaultPoolSize   = 1
	AcquireTimeout    = 30 * time.Second
	HealthCheckPeriod = 60 * time.Second
)

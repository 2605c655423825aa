package collector

import (
	"context"
	"time"

	"cuewatch/internal/reminder"
)

// Collector samples a device sensor and emits readings that changed.
type Collector interface {
	Start(ctx context.Context, interval time.Duration, output chan<- reminder.Battery) error
	Stop() error
	// Read takes one reading now, for on-demand probes.
	Read(ctx context.Context) (*reminder.Battery, error)
}

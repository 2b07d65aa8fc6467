// Package extract pulls the raw records of one logical date out of the upstream systems
// and lands them as a single immutable batch per source.
package extract

import (
	"context"
	"time"
)

// Request describes what a source should return for one run.
type Request struct {
	LogicalDate time.Time

	// Start and End bound the logical date, [Start, End).
	Start time.Time
	End   time.Time

	// Full asks for every row regardless of the window.
	Full bool
}

// Source is an upstream system the extractor reads from.
type Source interface {
	Name() string

	// Ping checks connectivity before any record is read.
	Ping(ctx context.Context) error

	// Fetch returns the records of the request in a stable order.
	Fetch(ctx context.Context, req Request) ([]map[string]interface{}, error)
}

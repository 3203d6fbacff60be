// Package gc runs the periodic, bounded-per-tick purge of terminal
// workflow instances and log-like tables older than their configured
// retention. Every category is capped at a row limit of deletions per tick;
// the savepoint category still walks its bucket from the first key on every
// tick until it reaches that cap (see store.PurgeSavepointsBefore).
package gc

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/evqueue/evqueue-go/internal/savepoint"
	"github.com/evqueue/evqueue-go/internal/store"
)

// Category is one purgeable table: a retention window and the bounded purge
// function that enforces it. Purge must delete at most limit rows and
// return how many it actually removed.
type Category struct {
	Name      string
	Retention time.Duration
	Purge     func(limit int) (int, error)
}

// Collector runs every registered Category on a fixed interval.
type Collector struct {
	categories []Category
	interval   time.Duration
	limit      int

	purged metric.Int64Counter
	tracer trace.Tracer
}

// New constructs a Collector. limit bounds how many rows any single
// category purges per tick.
func New(interval time.Duration, limit int, meter metric.Meter) *Collector {
	purged, _ := meter.Int64Counter("evqueue_gc_rows_purged_total")
	return &Collector{
		interval: interval,
		limit:    limit,
		purged:   purged,
		tracer:   otel.Tracer("evqueue-gc"),
	}
}

// Register adds a category to the collector. Call before Run.
func (c *Collector) Register(cat Category) {
	c.categories = append(c.categories, cat)
}

// Run ticks until ctx is cancelled, sweeping every registered category once
// per tick.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

func (c *Collector) sweep(ctx context.Context) {
	ctx, span := c.tracer.Start(ctx, "gc.sweep")
	defer span.End()

	for _, cat := range c.categories {
		n, err := cat.Purge(c.limit)
		if err != nil {
			span.RecordError(err)
			continue
		}
		if n > 0 {
			c.purged.Add(ctx, int64(n), metric.WithAttributes(attribute.String("category", cat.Name)))
		}
	}
}

// TerminatedInstances builds the Category that purges savepoints of
// instances that reached a terminal state more than retention ago. It is
// the only category this repo's local store can service on its own; the
// engine logs, API logs, notification logs, unique-action markers, and
// external logs categories spec.md §4.6 also names live in the relational
// store out of this repo's scope and are registered the same way once that
// collaborator exists, via the same Category shape.
func TerminatedInstances(st *store.Store, retention time.Duration) Category {
	return Category{
		Name:      "instances_terminated",
		Retention: retention,
		Purge: func(limit int) (int, error) {
			cutoff := time.Now().Add(-retention)
			return st.PurgeSavepointsBefore(limit, func(body []byte) bool {
				doc, err := savepoint.Parse(body)
				if err != nil {
					return false
				}
				if doc.Status == savepoint.InstanceExecuting {
					return false
				}
				return doc.EndTS.Before(cutoff)
			})
		},
	}
}

// Package store is the instance-engine-local durable cache: workflow
// template bodies, instance savepoints, retry schedules, notification
// bindings, queue configs and cron schedules, all backed by a single
// BoltDB file. It is the journal the engine's "persist the savepoint"
// operations write through, not the relational system of record for
// workflow definitions, which lives outside this repo's scope.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/evqueue/evqueue-go/internal/evqerr"
)

var (
	bucketWorkflows        = []byte("workflows")
	bucketWorkflowVersions = []byte("workflow_versions")
	bucketSavepoints       = []byte("savepoints")
	bucketRetrySchedules   = []byte("retry_schedules")
	bucketNotifications    = []byte("notifications")
	bucketQueues           = []byte("queues")
	bucketSchedules        = []byte("schedules")
	bucketMeta             = []byte("meta")

	allBuckets = [][]byte{
		bucketWorkflows, bucketWorkflowVersions, bucketSavepoints,
		bucketRetrySchedules, bucketNotifications, bucketQueues,
		bucketSchedules, bucketMeta,
	}
)

// Store is the BoltDB-backed persistence layer. A small read-through cache
// sits in front of the workflows bucket since templates are read on every
// Launch but change rarely.
type Store struct {
	db *bbolt.DB

	mu    sync.RWMutex
	cache map[string][]byte

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

// Open opens (creating if absent) the BoltDB file at dbPath and ensures
// every bucket this package uses exists.
func Open(dbPath string, meter metric.Meter) (*Store, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{
		Timeout:      1 * time.Second,
		FreelistType: bbolt.FreelistArrayType,
	})
	if err != nil {
		return nil, evqerr.Wrap(evqerr.EngineInternal, "store.open", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, evqerr.Wrap(evqerr.EngineInternal, "store.open", err)
	}

	readLatency, _ := meter.Float64Histogram("evqueue_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("evqueue_store_write_ms")
	cacheHits, _ := meter.Int64Counter("evqueue_store_cache_hits_total")
	cacheMisses, _ := meter.Int64Counter("evqueue_store_cache_misses_total")

	return &Store{
		db:           db,
		cache:        make(map[string][]byte),
		readLatency:  readLatency,
		writeLatency: writeLatency,
		cacheHits:    cacheHits,
		cacheMisses:  cacheMisses,
	}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Bootstrap runs every idempotent migration step exactly once, tracked via
// the meta bucket so a restarted process never replays a step. The legacy
// evQueue relational schema's t_task table may or may not exist depending
// on how old the deployment is; this step records whether the modern
// savepoint-only task model has already been adopted and is a no-op on a
// fresh install.
func (s *Store) Bootstrap() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		const stepTaskTableRetired = "migrated_t_task_retired"
		if meta.Get([]byte(stepTaskTableRetired)) != nil {
			return nil
		}
		// Nothing to migrate in this repo's scope: t_task lived in the
		// relational store this package does not own. Recording the step
		// keeps the check cheap (a single Get) on every future startup
		// instead of re-deriving "nothing to do" each time.
		return meta.Put([]byte(stepTaskTableRetired), []byte(time.Now().UTC().Format(time.RFC3339)))
	})
}

func (s *Store) put(bucket []byte, key string, data []byte) error {
	start := time.Now()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
	s.writeLatency.Record(context.Background(), float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("bucket", string(bucket))))
	if err != nil {
		return evqerr.Wrap(evqerr.EngineInternal, "store.put", err)
	}
	return nil
}

func (s *Store) get(bucket []byte, key string) ([]byte, bool, error) {
	start := time.Now()
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucket).Get([]byte(key))
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	s.readLatency.Record(context.Background(), float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("bucket", string(bucket))))
	if err != nil {
		return nil, false, evqerr.Wrap(evqerr.EngineInternal, "store.get", err)
	}
	return out, out != nil, nil
}

func (s *Store) delete(bucket []byte, key string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
	if err != nil {
		return evqerr.Wrap(evqerr.EngineInternal, "store.delete", err)
	}
	return nil
}

func (s *Store) listKeys(bucket []byte, limit int) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			keys = append(keys, string(k))
			if limit > 0 && len(keys) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, evqerr.Wrap(evqerr.EngineInternal, "store.list", err)
	}
	return keys, nil
}

// --- workflow templates (read-through cache, versioned) ---

// PutWorkflow stores name's raw template XML, archiving the prior body
// under workflow_versions before overwriting it.
func (s *Store) PutWorkflow(name string, xmlBody []byte) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		workflows := tx.Bucket(bucketWorkflows)
		if prev := workflows.Get([]byte(name)); prev != nil {
			versionKey := fmt.Sprintf("%s:%d", name, time.Now().UnixNano())
			if err := tx.Bucket(bucketWorkflowVersions).Put([]byte(versionKey), prev); err != nil {
				return err
			}
		}
		return workflows.Put([]byte(name), xmlBody)
	})
	if err != nil {
		return evqerr.Wrap(evqerr.EngineInternal, "store.put_workflow", err)
	}
	s.mu.Lock()
	s.cache[name] = xmlBody
	s.mu.Unlock()
	return nil
}

// GetWorkflow returns name's raw template XML.
func (s *Store) GetWorkflow(name string) ([]byte, bool, error) {
	s.mu.RLock()
	if body, ok := s.cache[name]; ok {
		s.mu.RUnlock()
		s.cacheHits.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", "workflow")))
		return body, true, nil
	}
	s.mu.RUnlock()
	s.cacheMisses.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", "workflow")))

	body, ok, err := s.get(bucketWorkflows, name)
	if err != nil || !ok {
		return nil, ok, err
	}
	s.mu.Lock()
	s.cache[name] = body
	s.mu.Unlock()
	return body, true, nil
}

func (s *Store) DeleteWorkflow(name string) error {
	if err := s.delete(bucketWorkflows, name); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.cache, name)
	s.mu.Unlock()
	return nil
}

func (s *Store) ListWorkflowNames() ([]string, error) { return s.listKeys(bucketWorkflows, 0) }

// --- savepoints ---

// SaveSavepoint implements engine.InstanceStore: the engine's only write
// path to durable storage.
func (s *Store) SaveSavepoint(instanceID string, body []byte) error {
	return s.put(bucketSavepoints, instanceID, body)
}

func (s *Store) LoadSavepoint(instanceID string) ([]byte, bool, error) {
	return s.get(bucketSavepoints, instanceID)
}

func (s *Store) DeleteSavepoint(instanceID string) error {
	return s.delete(bucketSavepoints, instanceID)
}

// ListSavepointIDs returns every instance id with a persisted savepoint, in
// key order, used both by crash-recovery replay at startup and by the
// garbage collector's bounded purge cursor.
func (s *Store) ListSavepointIDs() ([]string, error) { return s.listKeys(bucketSavepoints, 0) }

// PurgeSavepointsBefore deletes up to limit savepoints judged expired by
// isExpired. Each call starts at the bucket's first key and walks forward
// until limit savepoints are deleted or the bucket ends; no position is kept
// between calls, so a call that finds fewer than limit expired savepoints
// reads the whole bucket.
func (s *Store) PurgeSavepointsBefore(limit int, isExpired func(body []byte) bool) (int, error) {
	purged := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSavepoints)
		c := b.Cursor()
		for k, v := c.First(); k != nil && purged < limit; k, v = c.Next() {
			if isExpired(v) {
				if err := b.Delete(k); err != nil {
					return err
				}
				purged++
			}
		}
		return nil
	})
	if err != nil {
		return purged, evqerr.Wrap(evqerr.EngineInternal, "store.purge_savepoints", err)
	}
	return purged, nil
}

// --- retry schedules, notifications, queues, cron schedules: raw blobs ---

func (s *Store) PutRetrySchedule(name string, data []byte) error {
	return s.put(bucketRetrySchedules, name, data)
}
func (s *Store) GetRetrySchedule(name string) ([]byte, bool, error) {
	return s.get(bucketRetrySchedules, name)
}
func (s *Store) DeleteRetrySchedule(name string) error { return s.delete(bucketRetrySchedules, name) }
func (s *Store) ListRetryScheduleNames() ([]string, error) {
	return s.listKeys(bucketRetrySchedules, 0)
}

func (s *Store) PutNotification(name string, data []byte) error {
	return s.put(bucketNotifications, name, data)
}
func (s *Store) GetNotification(name string) ([]byte, bool, error) {
	return s.get(bucketNotifications, name)
}
func (s *Store) DeleteNotification(name string) error { return s.delete(bucketNotifications, name) }
func (s *Store) ListNotificationNames() ([]string, error) {
	return s.listKeys(bucketNotifications, 0)
}

func (s *Store) PutQueueConfig(name string, data []byte) error {
	return s.put(bucketQueues, name, data)
}
func (s *Store) GetQueueConfig(name string) ([]byte, bool, error) { return s.get(bucketQueues, name) }
func (s *Store) DeleteQueueConfig(name string) error              { return s.delete(bucketQueues, name) }
func (s *Store) ListQueueNames() ([]string, error)                { return s.listKeys(bucketQueues, 0) }

func (s *Store) PutSchedule(name string, data []byte) error {
	return s.put(bucketSchedules, name, data)
}
func (s *Store) GetSchedule(name string) ([]byte, bool, error) { return s.get(bucketSchedules, name) }
func (s *Store) DeleteSchedule(name string) error               { return s.delete(bucketSchedules, name) }
func (s *Store) ListScheduleNames() ([]string, error)            { return s.listKeys(bucketSchedules, 0) }

// Stats reports per-bucket row counts plus cache occupancy, mirroring the
// operational visibility the teacher's store exposes.
func (s *Store) Stats() map[string]int {
	stats := make(map[string]int)
	s.db.View(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			stats[string(b)] = tx.Bucket(b).Stats().KeyN
		}
		return nil
	})
	s.mu.RLock()
	stats["workflow_cache"] = len(s.cache)
	s.mu.RUnlock()
	return stats
}

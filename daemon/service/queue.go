package service

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/boltdb/bolt"

	"github.com/votaryx/backend/daemon/scheduler"
	"github.com/votaryx/backend/internal/observability"
)

var (
	ErrUnknownQueue = errors.New("unknown queue")
	ErrBusClosed    = errors.New("bus closed")
)

// Bus is the durable message bus between the scheduler and the workers,
// backed by Bolt. Each queue has a ready bucket and an unacked bucket;
// consuming moves a message from ready to unacked in one transaction, so
// a crash between delivery and ack leaves the message recoverable.
// Unacked messages are requeued when the bus reopens.
type Bus struct {
	db      *bolt.DB
	metrics *observability.Metrics

	mu     sync.Mutex
	notify map[string]chan struct{}
	closed bool
}

// Delivery is one in-flight message. The consumer must Ack or Nack it.
type Delivery struct {
	Envelope scheduler.Envelope
	queue    string
	key      []byte
}

func readyBucket(queue string) []byte   { return []byte("q:" + queue + ":ready") }
func unackedBucket(queue string) []byte { return []byte("q:" + queue + ":unacked") }

// Queues lists the four task queues the bus carries.
func Queues() []string {
	return []string{
		scheduler.TaskTally.Queue(),
		scheduler.TaskPartialDecrypt.Queue(),
		scheduler.TaskCompensatedDecrypt.Queue(),
		scheduler.TaskCombine.Queue(),
	}
}

// OpenBus opens the queue database at path, creating the per-queue
// buckets and requeueing any messages left unacked by a previous run.
// The metrics argument may be nil.
func OpenBus(path string, metrics *observability.Metrics) (*Bus, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	bus := &Bus{
		db:      db,
		metrics: metrics,
		notify:  make(map[string]chan struct{}),
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, queue := range Queues() {
			if _, err := tx.CreateBucketIfNotExists(readyBucket(queue)); err != nil {
				return err
			}
			if _, err := tx.CreateBucketIfNotExists(unackedBucket(queue)); err != nil {
				return err
			}
			if err := bus.requeueUnacked(tx, queue); err != nil {
				return err
			}
			bus.notify[queue] = make(chan struct{}, 1)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize queues: %w", err)
	}
	return bus, nil
}

// requeueUnacked moves every unacked message of a queue back to ready.
// Ready keys are monotone sequence numbers, so the requeued messages keep
// their original ordering relative to each other.
func (b *Bus) requeueUnacked(tx *bolt.Tx, queue string) error {
	unacked := tx.Bucket(unackedBucket(queue))
	ready := tx.Bucket(readyBucket(queue))

	c := unacked.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if err := ready.Put(k, v); err != nil {
			return err
		}
		if err := c.Delete(); err != nil {
			return err
		}
		if b.metrics != nil {
			b.metrics.QueueRedeliveries.WithLabelValues(queue).Inc()
		}
	}
	return nil
}

// Publish appends an envelope to a queue.
func (b *Bus) Publish(queue string, env *scheduler.Envelope) error {
	ch, err := b.notifyChan(queue)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	err = b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(readyBucket(queue))
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return bucket.Put(key, raw)
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}

	if b.metrics != nil {
		b.metrics.QueueDepth.WithLabelValues(queue).Inc()
	}
	select {
	case ch <- struct{}{}:
	default:
	}
	return nil
}

// Consume blocks until one message is available, moves it to the unacked
// bucket and returns it. Each call delivers at most one message; a worker
// holding an unacked delivery gets nothing more until it settles it.
func (b *Bus) Consume(ctx context.Context, queue string) (*Delivery, error) {
	ch, err := b.notifyChan(queue)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		d, err := b.tryConsume(queue)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		case <-ticker.C:
		}
	}
}

func (b *Bus) tryConsume(queue string) (*Delivery, error) {
	var d *Delivery
	err := b.db.Update(func(tx *bolt.Tx) error {
		ready := tx.Bucket(readyBucket(queue))
		k, v := ready.Cursor().First()
		if k == nil {
			return nil
		}

		var env scheduler.Envelope
		if err := json.Unmarshal(v, &env); err != nil {
			return fmt.Errorf("corrupt queue message: %w", err)
		}

		if err := tx.Bucket(unackedBucket(queue)).Put(k, v); err != nil {
			return err
		}
		if err := ready.Delete(k); err != nil {
			return err
		}
		d = &Delivery{
			Envelope: env,
			queue:    queue,
			key:      append([]byte(nil), k...),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Ack removes a delivered message permanently.
func (b *Bus) Ack(d *Delivery) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(unackedBucket(d.queue)).Delete(d.key)
	})
	if err != nil {
		return fmt.Errorf("failed to ack: %w", err)
	}
	if b.metrics != nil {
		b.metrics.QueueDepth.WithLabelValues(d.queue).Dec()
	}
	return nil
}

// Nack returns a delivered message to the ready bucket for redelivery.
func (b *Bus) Nack(d *Delivery) error {
	ch, err := b.notifyChan(d.queue)
	if err != nil {
		return err
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		unacked := tx.Bucket(unackedBucket(d.queue))
		v := unacked.Get(d.key)
		if v == nil {
			return nil
		}
		if err := tx.Bucket(readyBucket(d.queue)).Put(d.key, v); err != nil {
			return err
		}
		return unacked.Delete(d.key)
	})
	if err != nil {
		return fmt.Errorf("failed to nack: %w", err)
	}
	if b.metrics != nil {
		b.metrics.QueueRedeliveries.WithLabelValues(d.queue).Inc()
	}
	select {
	case ch <- struct{}{}:
	default:
	}
	return nil
}

// Depth returns how many messages wait in a queue, ready plus unacked.
func (b *Bus) Depth(queue string) (int, error) {
	if _, err := b.notifyChan(queue); err != nil {
		return 0, err
	}
	var depth int
	err := b.db.View(func(tx *bolt.Tx) error {
		depth = tx.Bucket(readyBucket(queue)).Stats().KeyN +
			tx.Bucket(unackedBucket(queue)).Stats().KeyN
		return nil
	})
	return depth, err
}

// TotalDepth sums the depth of every queue. Used by health checks.
func (b *Bus) TotalDepth() int {
	total := 0
	for _, q := range Queues() {
		d, err := b.Depth(q)
		if err != nil {
			continue
		}
		total += d
	}
	return total
}

func (b *Bus) notifyChan(queue string) (chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	ch, ok := b.notify[queue]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	return ch, nil
}

// Close closes the queue database. Unacked messages survive and are
// requeued on the next open.
func (b *Bus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return b.db.Close()
}

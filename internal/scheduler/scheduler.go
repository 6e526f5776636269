// Package scheduler keeps the ordered bucket queues the upload engine moves
// units through. A unit id lives in exactly one bucket at a time.
package scheduler

import "fmt"

// Bucket is one of the queues a unit can sit in.
type Bucket int

const (
	Waiting Bucket = iota
	InFlight
	Uploaded
	Failed
	Invalid

	numBuckets
)

func (b Bucket) String() string {
	switch b {
	case Waiting:
		return "waiting"
	case InFlight:
		return "in-flight"
	case Uploaded:
		return "uploaded"
	case Failed:
		return "error"
	case Invalid:
		return "invalid"
	}
	return fmt.Sprintf("bucket(%d)", int(b))
}

// Ledger is an ordered set of bucket queues. It is not safe for concurrent
// use; the engine serializes access under its own lock.
type Ledger struct {
	queues [numBuckets][]string
	where  map[string]Bucket
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{where: make(map[string]Bucket)}
}

// Move places id in bucket b, at the front when front is set. An id already
// tracked is removed from its current bucket first, by id, never by position.
func (l *Ledger) Move(id string, b Bucket, front bool) {
	if b < 0 || b >= numBuckets {
		panic(fmt.Sprintf("scheduler: invalid bucket %d", int(b)))
	}
	l.Remove(id)
	if front {
		l.queues[b] = append([]string{id}, l.queues[b]...)
	} else {
		l.queues[b] = append(l.queues[b], id)
	}
	l.where[id] = b
}

// Remove drops id from whichever bucket holds it and reports that bucket.
func (l *Ledger) Remove(id string) (Bucket, bool) {
	b, ok := l.where[id]
	if !ok {
		return 0, false
	}
	q := l.queues[b]
	for i, v := range q {
		if v == id {
			l.queues[b] = append(q[:i:i], q[i+1:]...)
			break
		}
	}
	delete(l.where, id)
	return b, true
}

// Where reports the bucket holding id.
func (l *Ledger) Where(id string) (Bucket, bool) {
	b, ok := l.where[id]
	return b, ok
}

// Front returns the head of bucket b without removing it.
func (l *Ledger) Front(b Bucket) (string, bool) {
	if len(l.queues[b]) == 0 {
		return "", false
	}
	return l.queues[b][0], true
}

// Len returns the number of ids in bucket b.
func (l *Ledger) Len(b Bucket) int {
	return len(l.queues[b])
}

// IDs returns a copy of bucket b in queue order.
func (l *Ledger) IDs(b Bucket) []string {
	out := make([]string, len(l.queues[b]))
	copy(out, l.queues[b])
	return out
}

// Size returns the number of tracked ids across all buckets.
func (l *Ledger) Size() int {
	return len(l.where)
}

// Reset forgets every id.
func (l *Ledger) Reset() {
	for i := range l.queues {
		l.queues[i] = nil
	}
	l.where = make(map[string]Bucket)
}

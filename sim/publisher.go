package sim

import (
	"sort"
	"sync"
)

// EntityID keys published facts: an agent ID, or GlobalEntity for run-wide facts.
type EntityID int64

// GlobalEntity is the entity of facts that belong to no agent.
const GlobalEntity EntityID = -1

// Publisher is the write-only sink exposed to components and the core.
// Persistent facts are run-scoped and survive across invocations; the rest
// are scoped to the invocation that published them.
type Publisher interface {
	Publish(entity EntityID, key string, value any, persistent bool)
}

// Record is one published fact.
type Record struct {
	Invocation int
	Time       int64
	Entity     EntityID
	Key        string
	Value      any
	Persistent bool
}

// RecordSink receives stamped records from the scheduler.
// Records of an invocation are buffered until Flush; a failed invocation's
// records are dropped with Discard so a retry starts clean.
type RecordSink interface {
	Write(r Record)
	Flush(invocation int) error
	Discard()
}

type factKey struct {
	entity EntityID
	key    string
}

// DataBuffer is an in-memory RecordSink.
//
// Thread-safety: safe for concurrent use.
type DataBuffer struct {
	mu         sync.Mutex
	pending    []Record
	runFacts   map[factKey]Record
	invocation map[int][]Record
}

// NewDataBuffer creates an empty DataBuffer.
func NewDataBuffer() *DataBuffer {
	return &DataBuffer{
		runFacts:   make(map[factKey]Record),
		invocation: make(map[int][]Record),
	}
}

func (b *DataBuffer) Write(r Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, r)
}

// Flush commits pending records to the given invocation. Persistent facts
// are keyed by (entity, key) across the run, the latest write wins.
func (b *DataBuffer) Flush(invocation int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.pending {
		r.Invocation = invocation
		if r.Persistent {
			b.runFacts[factKey{entity: r.Entity, key: r.Key}] = r
			continue
		}
		b.invocation[invocation] = append(b.invocation[invocation], r)
	}
	b.pending = nil
	return nil
}

func (b *DataBuffer) Discard() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = nil
}

// InvocationRecords returns the flushed records of one invocation in publication order.
func (b *DataBuffer) InvocationRecords(invocation int) []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Record, len(b.invocation[invocation]))
	copy(out, b.invocation[invocation])
	return out
}

// RunFacts returns the persistent facts ordered by entity then key.
func (b *DataBuffer) RunFacts() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Record, 0, len(b.runFacts))
	for _, r := range b.runFacts {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Entity != out[j].Entity {
			return out[i].Entity < out[j].Entity
		}
		return out[i].Key < out[j].Key
	})
	return out
}

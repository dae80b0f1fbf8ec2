package realtime

import (
	"sort"
	"sync"

	"github.com/luckbys/bkcrm-sub006/internal/metrics"
)

// Buffer holds the canonical, ordered message list for one conversation.
// It is the single chokepoint guaranteeing at-most-once display: inserts
// keyed by stable id are idempotent no matter how many transports redeliver
// the same record, and the contents stay sorted by OccurredAt with ties in
// arrival order.
//
// Accepted mutations publish a fresh Snapshot on Updates(). The channel has
// capacity one and is conflated (latest snapshot wins), so a burst of
// mutations collapses into a single delivery instead of one per mutation.
type Buffer struct {
	mu       sync.Mutex
	ticketID string
	msgs     []Message
	index    map[int64]int // stable id -> position in msgs
	updates  chan Snapshot
}

// Patch describes a partial update applied to a buffered message.
type Patch struct {
	Delivery    DeliveryState // empty = leave unchanged
	RelayFailed *bool

	// IfDelivery restricts the patch to messages currently in the given
	// state. Zero value applies unconditionally.
	IfDelivery DeliveryState
}

// NewBuffer creates an empty Buffer for one ticket conversation.
func NewBuffer(ticketID string) *Buffer {
	return &Buffer{
		ticketID: ticketID,
		index:    make(map[int64]int),
		updates:  make(chan Snapshot, 1),
	}
}

// TicketID returns the conversation this buffer belongs to.
func (b *Buffer) TicketID() string { return b.ticketID }

// Updates returns the conflated snapshot channel. Consumers always observe
// the most recent state; intermediate snapshots may be skipped.
func (b *Buffer) Updates() <-chan Snapshot { return b.updates }

// Insert adds one message. Returns false (no-op) when the stable id is
// already buffered.
func (b *Buffer) Insert(msg Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.insertLocked(msg) {
		return false
	}
	b.notifyLocked()
	return true
}

// InsertMany merges a batch, preserving the ordering invariant. Duplicates
// are suppressed individually; one notification is published for the whole
// batch when at least one message was accepted. Returns the accepted count.
func (b *Buffer) InsertMany(msgs []Message) int {
	if len(msgs) == 0 {
		return 0
	}

	// Stable sort the incoming batch only; the existing buffer is already
	// ordered, so the merge below is linear.
	batch := make([]Message, len(msgs))
	copy(batch, msgs)
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].OccurredAt.Before(batch[j].OccurredAt)
	})

	b.mu.Lock()
	defer b.mu.Unlock()

	inserted := 0
	for _, msg := range batch {
		if b.insertLocked(msg) {
			inserted++
		}
	}
	if inserted > 0 {
		b.notifyLocked()
	}
	return inserted
}

// Replace clears the buffer and bulk-loads msgs. Used on conversation switch
// and explicit refresh.
func (b *Buffer) Replace(msgs []Message) {
	batch := make([]Message, len(msgs))
	copy(batch, msgs)
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].OccurredAt.Before(batch[j].OccurredAt)
	})

	b.mu.Lock()
	defer b.mu.Unlock()

	b.msgs = b.msgs[:0]
	b.index = make(map[int64]int, len(batch))
	for _, msg := range batch {
		b.insertLocked(msg)
	}
	b.notifyLocked()
}

// Update applies a patch to the message with the given stable id without
// disturbing order. Returns false when the id is unknown or the patch's
// IfDelivery condition does not hold.
func (b *Buffer) Update(stableID int64, patch Patch) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.index[stableID]
	if !ok {
		return false
	}
	msg := &b.msgs[pos]
	if patch.IfDelivery != "" && msg.Delivery != patch.IfDelivery {
		return false
	}

	changed := false
	if patch.Delivery != "" && msg.Delivery != patch.Delivery {
		msg.Delivery = patch.Delivery
		changed = true
	}
	if patch.RelayFailed != nil && msg.RelayFailed != *patch.RelayFailed {
		msg.RelayFailed = *patch.RelayFailed
		changed = true
	}
	if !changed {
		return false
	}
	b.notifyLocked()
	return true
}

// Get returns the buffered message with the given stable id.
func (b *Buffer) Get(stableID int64) (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos, ok := b.index[stableID]
	if !ok {
		return Message{}, false
	}
	return b.msgs[pos], true
}

// Snapshot returns a copy of the current ordered contents.
func (b *Buffer) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

// Len returns the number of buffered messages.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}

// insertLocked performs the dedup check and ordered insert. The insertion
// point is after every message with OccurredAt <= the new one, which yields
// ties-in-arrival-order without tracking a separate sequence.
func (b *Buffer) insertLocked(msg Message) bool {
	if _, dup := b.index[msg.StableID]; dup {
		metrics.DuplicatesSuppressed.Inc()
		return false
	}

	pos := sort.Search(len(b.msgs), func(i int) bool {
		return b.msgs[i].OccurredAt.After(msg.OccurredAt)
	})

	b.msgs = append(b.msgs, Message{})
	copy(b.msgs[pos+1:], b.msgs[pos:])
	b.msgs[pos] = msg

	for i := pos; i < len(b.msgs); i++ {
		b.index[b.msgs[i].StableID] = i
	}
	return true
}

// snapshotLocked copies the ordered contents.
func (b *Buffer) snapshotLocked() Snapshot {
	snap := make(Snapshot, len(b.msgs))
	copy(snap, b.msgs)
	return snap
}

// notifyLocked publishes the current snapshot, replacing any undelivered
// older one.
func (b *Buffer) notifyLocked() {
	snap := b.snapshotLocked()
	for {
		select {
		case b.updates <- snap:
			return
		default:
		}
		select {
		case <-b.updates:
		default:
		}
	}
}

package signaling

import (
	"sync"

	"github.com/proline/callkit/internal/protocol"
	"github.com/proline/callkit/internal/util"
)

// maxBuffered bounds the outbound queue during prolonged disconnection.
// When full, the oldest message is evicted with a warning.
const maxBuffered = 64

// outboundBuffer holds signaling messages that could not be delivered
// immediately. It is owned by one Transport instance and scoped to its
// connection lifetime, never shared across sessions.
//
// Messages are deduplicated by (kind, recipient): an unsent offer to the
// same peer is never queued twice. Draining is strictly FIFO.
type outboundBuffer struct {
	mu   sync.Mutex
	msgs []*protocol.Message
}

// push enqueues a message for later delivery. Duplicates of an already
// queued (kind, recipient) pair are dropped.
func (b *outboundBuffer) push(msg *protocol.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, m := range b.msgs {
		if m.Type == msg.Type && m.To == msg.To {
			util.LogDebug("message %s to %s already buffered, skipping", msg.Type, msg.To)
			return
		}
	}

	if len(b.msgs) >= maxBuffered {
		util.LogWarning("outbound buffer full, evicting oldest message (%s)", b.msgs[0].Type)
		b.msgs = b.msgs[1:]
	}

	b.msgs = append(b.msgs, msg)
	util.LogDebug("buffered %s for later delivery (%d queued)", msg.Type, len(b.msgs))
}

// drain attempts each buffered message in FIFO order via send. Messages that
// still fail stay queued in their original order; nothing is dropped on a
// first retry failure.
func (b *outboundBuffer) drain(send func(*protocol.Message) bool) {
	b.mu.Lock()
	pending := b.msgs
	b.msgs = nil
	b.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	util.LogInfo("sending %d buffered signaling message(s)", len(pending))

	var kept []*protocol.Message
	for _, msg := range pending {
		if !send(msg) {
			kept = append(kept, msg)
		}
	}

	if len(kept) > 0 {
		b.mu.Lock()
		b.msgs = append(kept, b.msgs...)
		b.mu.Unlock()
	}
}

// size returns the number of queued messages.
func (b *outboundBuffer) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}

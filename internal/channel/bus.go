package channel

import (
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Origin identifies where a Message came from.
type Origin int

const (
	// OriginStorage marks a storage-change notification. Value is the raw
	// payload as stored (possibly encrypted).
	OriginStorage Origin = iota + 1
	// OriginBroadcast marks an explicit broadcast. Value is the JSON of the
	// projected state fields.
	OriginBroadcast
)

func (o Origin) String() string {
	switch o {
	case OriginStorage:
		return "storage"
	case OriginBroadcast:
		return "broadcast"
	default:
		return "unknown"
	}
}

// Message is one cross-tab update for a storage key.
type Message struct {
	Key     string
	Value   []byte
	Removed bool
	Origin  Origin
}

// Bus is a same-origin messaging primitive. Post delivers to every other
// participant, never back to the poster.
type Bus interface {
	Post(Message) error
	Listen(fn func(Message)) (cancel func())
}

// wireMessage is the cross-tab payload: {key, value}.
type wireMessage struct {
	Key   string `cbor:"key"`
	Value []byte `cbor:"value"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("channel: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("channel: CBOR decoder initialization failed: " + err.Error())
	}
}

// LocalHub is an in-process broadcast primitive connecting several tabs of
// one process. Messages cross the hub as deterministic CBOR, so receivers
// never share memory with the sender.
type LocalHub struct {
	mu      sync.Mutex
	members []*HubBus
}

// NewLocalHub creates an empty hub.
func NewLocalHub() *LocalHub {
	return &LocalHub{}
}

// Join returns the Bus for a new participant.
func (h *LocalHub) Join() *HubBus {
	h.mu.Lock()
	defer h.mu.Unlock()
	b := &HubBus{hub: h, listeners: make(map[int]func(Message))}
	h.members = append(h.members, b)
	return b
}

func (h *LocalHub) leave(b *HubBus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, member := range h.members {
		if member == b {
			h.members = append(h.members[:i:i], h.members[i+1:]...)
			return
		}
	}
}

func (h *LocalHub) others(self *HubBus) []*HubBus {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*HubBus, 0, len(h.members))
	for _, member := range h.members {
		if member != self {
			out = append(out, member)
		}
	}
	return out
}

// HubBus is one participant's Bus on a LocalHub.
type HubBus struct {
	hub *LocalHub

	mu        sync.Mutex
	listeners map[int]func(Message)
	nextID    int
	closed    bool
}

// Post implements Bus. Delivery is synchronous, in join order.
func (b *HubBus) Post(msg Message) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("channel: post on closed bus")
	}

	data, err := encMode.Marshal(wireMessage{Key: msg.Key, Value: msg.Value})
	if err != nil {
		return fmt.Errorf("channel: encode message: %w", err)
	}

	for _, other := range b.hub.others(b) {
		var wire wireMessage
		if err := decMode.Unmarshal(data, &wire); err != nil {
			return fmt.Errorf("channel: decode message: %w", err)
		}
		other.deliver(Message{Key: wire.Key, Value: wire.Value, Origin: OriginBroadcast})
	}
	return nil
}

// Listen implements Bus.
func (b *HubBus) Listen(fn func(Message)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.listeners, id)
	}
}

// Close leaves the hub. Further posts fail and nothing more is delivered.
func (b *HubBus) Close() {
	b.mu.Lock()
	b.closed = true
	b.listeners = make(map[int]func(Message))
	b.mu.Unlock()
	b.hub.leave(b)
}

func (b *HubBus) deliver(msg Message) {
	b.mu.Lock()
	fns := make([]func(Message), 0, len(b.listeners))
	for id := 0; id < b.nextID; id++ {
		if fn, ok := b.listeners[id]; ok {
			fns = append(fns, fn)
		}
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(msg)
	}
}

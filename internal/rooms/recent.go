package rooms

import "sync"

// DefaultRecentSize is how many messages are retained per room for replay to
// newly joined connections.
const DefaultRecentSize = 20

// Recent keeps the last N broadcast payloads per room in a ring buffer so a
// connection joining a room gets a little context before history pagination
// (an external concern) kicks in.
type Recent struct {
	mu      sync.RWMutex
	size    int
	buffers map[string]*ring
}

type ring struct {
	items [][]byte
	pos   int
	count int
}

// NewRecent creates a Recent buffer retaining size payloads per room.
func NewRecent(size int) *Recent {
	if size <= 0 {
		size = DefaultRecentSize
	}
	return &Recent{size: size, buffers: make(map[string]*ring)}
}

// Add appends a broadcast payload to the room's buffer, evicting the oldest
// entry once full.
func (r *Recent) Add(roomID string, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rb, ok := r.buffers[roomID]
	if !ok {
		rb = &ring{items: make([][]byte, r.size)}
		r.buffers[roomID] = rb
	}

	rb.items[rb.pos] = payload
	rb.pos = (rb.pos + 1) % r.size
	if rb.count < r.size {
		rb.count++
	}
}

// Get returns the room's retained payloads, oldest first. Returns an empty
// slice for unknown rooms.
func (r *Recent) Get(roomID string) [][]byte {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rb, ok := r.buffers[roomID]
	if !ok {
		return [][]byte{}
	}

	out := make([][]byte, rb.count)
	start := (rb.pos - rb.count + r.size) % r.size
	for i := 0; i < rb.count; i++ {
		out[i] = rb.items[(start+i)%r.size]
	}
	return out
}

// Drop discards the room's buffer (room closed on this node).
func (r *Recent) Drop(roomID string) {
	r.mu.Lock()
	delete(r.buffers, roomID)
	r.mu.Unlock()
}

// Package broadcast delivers room events to every subscribed connection
// cluster-wide. Each node keeps a local roomID -> connection registry and
// relays publishes through a shared pub/sub substrate (NATS in production),
// so a message sent on one node reaches subscribers held by every node.
//
// Ordering: delivery order matches publish order only within a single node's
// single room subject. No total order exists across rooms or nodes.
package broadcast

import (
	"log"
	"sync"
)

// Relay is the cross-node pub/sub substrate. messaging.Client implements it.
type Relay interface {
	PublishRoom(roomID string, data []byte) error
	SubscribeRoom(roomID string, handler func(data []byte)) error
	UnsubscribeRoom(roomID string) error
}

// Sender writes a payload to one locally held connection. The ws server
// implements it.
type Sender interface {
	Send(connID string, data []byte) error
}

// Fabric fans room events out to local connections and republishes local
// sends through the relay for other nodes.
type Fabric struct {
	relay  Relay
	sender Sender

	mu    sync.RWMutex
	rooms map[string]map[string]struct{} // roomID -> local connIDs
}

// NewFabric creates a fabric over the given relay and local sender.
func NewFabric(relay Relay, sender Sender) *Fabric {
	return &Fabric{
		relay:  relay,
		sender: sender,
		rooms:  make(map[string]map[string]struct{}),
	}
}

// Join registers a local connection as a subscriber of roomID. The first
// local subscriber pulls this node onto the room's relay subject.
func (f *Fabric) Join(roomID, connID string) error {
	f.mu.Lock()
	set, ok := f.rooms[roomID]
	if !ok {
		set = make(map[string]struct{})
		f.rooms[roomID] = set
	}
	first := len(set) == 0
	set[connID] = struct{}{}
	f.mu.Unlock()

	if first {
		if err := f.relay.SubscribeRoom(roomID, func(data []byte) {
			f.deliverLocal(roomID, data)
		}); err != nil {
			f.mu.Lock()
			delete(f.rooms[roomID], connID)
			if len(f.rooms[roomID]) == 0 {
				delete(f.rooms, roomID)
			}
			f.mu.Unlock()
			return err
		}
	}
	return nil
}

// Leave removes a local connection from roomID. When the last local
// subscriber leaves, the node drops off the room's relay subject.
func (f *Fabric) Leave(roomID, connID string) {
	f.mu.Lock()
	set, ok := f.rooms[roomID]
	if ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(f.rooms, roomID)
		} else {
			ok = false // still has subscribers, keep the relay subscription
		}
	}
	f.mu.Unlock()

	if ok {
		if err := f.relay.UnsubscribeRoom(roomID); err != nil {
			log.Printf("[broadcast] unsubscribe room=%s: %v", roomID, err)
		}
	}
}

// Broadcast publishes an event to every subscriber of roomID across the
// cluster. Local delivery happens through this node's own relay
// subscription, keeping per-room ordering identical for local and remote
// subscribers.
func (f *Fabric) Broadcast(roomID string, data []byte) error {
	return f.relay.PublishRoom(roomID, data)
}

// LocalCount returns how many local connections subscribe to roomID.
func (f *Fabric) LocalCount(roomID string) int {
	f.mu.RLock()
	n := len(f.rooms[roomID])
	f.mu.RUnlock()
	return n
}

// deliverLocal writes a relayed payload to every local subscriber of roomID.
// Individual send failures are logged and skipped; dead connections are
// reaped by the transport's heartbeat, not here.
func (f *Fabric) deliverLocal(roomID string, data []byte) {
	f.mu.RLock()
	connIDs := make([]string, 0, len(f.rooms[roomID]))
	for connID := range f.rooms[roomID] {
		connIDs = append(connIDs, connID)
	}
	f.mu.RUnlock()

	for _, connID := range connIDs {
		if err := f.sender.Send(connID, data); err != nil {
			log.Printf("[broadcast] send room=%s conn=%s: %v", roomID, connID, err)
		}
	}
}

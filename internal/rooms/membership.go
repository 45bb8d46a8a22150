// Package rooms tracks which rooms each connected user has joined on this
// node, plus a small in-memory tail of recent messages per room. Membership
// is authoritative per connection: it is rebuilt from join events on
// (re)connect and carries no persistence.
package rooms

import "sync"

// Index maps userID to the set of roomIDs the user currently occupies. Safe
// for concurrent join/leave from multiple connection handlers for the same
// user (several tabs, several devices).
type Index struct {
	mu    sync.RWMutex
	byUser map[string]map[string]struct{}
}

// NewIndex creates an empty membership index.
func NewIndex() *Index {
	return &Index{byUser: make(map[string]map[string]struct{})}
}

// Join records that userID is a member of roomID. Joining a room twice is a
// no-op.
func (ix *Index) Join(userID, roomID string) {
	ix.mu.Lock()
	set, ok := ix.byUser[userID]
	if !ok {
		set = make(map[string]struct{})
		ix.byUser[userID] = set
	}
	set[roomID] = struct{}{}
	ix.mu.Unlock()
}

// Leave removes userID from roomID. The user's entry is dropped entirely
// when the last room is left.
func (ix *Index) Leave(userID, roomID string) {
	ix.mu.Lock()
	if set, ok := ix.byUser[userID]; ok {
		delete(set, roomID)
		if len(set) == 0 {
			delete(ix.byUser, userID)
		}
	}
	ix.mu.Unlock()
}

// LeaveAll removes userID from every room (disconnect cleanup). It returns
// the rooms the user was in so the caller can release broadcast
// subscriptions.
func (ix *Index) LeaveAll(userID string) []string {
	ix.mu.Lock()
	set := ix.byUser[userID]
	delete(ix.byUser, userID)
	ix.mu.Unlock()

	roomIDs := make([]string, 0, len(set))
	for roomID := range set {
		roomIDs = append(roomIDs, roomID)
	}
	return roomIDs
}

// IsMember reports whether userID has joined roomID.
func (ix *Index) IsMember(userID, roomID string) bool {
	ix.mu.RLock()
	_, ok := ix.byUser[userID][roomID]
	ix.mu.RUnlock()
	return ok
}

// Rooms returns a snapshot of the rooms userID occupies.
func (ix *Index) Rooms(userID string) []string {
	ix.mu.RLock()
	set := ix.byUser[userID]
	roomIDs := make([]string, 0, len(set))
	for roomID := range set {
		roomIDs = append(roomIDs, roomID)
	}
	ix.mu.RUnlock()
	return roomIDs
}

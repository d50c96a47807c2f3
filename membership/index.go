// Package membership maintains the in-memory mapping from room id to the set
// of currently connected member user ids. It mirrors persisted membership for
// connected users only and is rebuilt per connection, so a stale state after a
// restart self-heals as users reconnect.
//
// Lock order: the index lock is always acquired after the registry lock and is
// never held while calling into another component.
package membership

import "sync"

// Index is the membership index. All methods are safe for concurrent use.
type Index struct {
	mu    sync.RWMutex
	rooms map[int64]map[int64]struct{}
}

func New() *Index {
	return &Index{rooms: make(map[int64]map[int64]struct{})}
}

// Load seeds or replaces the member set of a room.
func (i *Index) Load(roomID int64, members []int64) {
	set := make(map[int64]struct{}, len(members))
	for _, userID := range members {
		set[userID] = struct{}{}
	}
	i.mu.Lock()
	if len(set) == 0 {
		delete(i.rooms, roomID)
	} else {
		i.rooms[roomID] = set
	}
	i.mu.Unlock()
}

// Add inserts a user into a room's member set.
func (i *Index) Add(roomID, userID int64) {
	i.mu.Lock()
	set, ok := i.rooms[roomID]
	if !ok {
		set = make(map[int64]struct{})
		i.rooms[roomID] = set
	}
	set[userID] = struct{}{}
	i.mu.Unlock()
}

// Remove deletes a user from a room's member set.
func (i *Index) Remove(roomID, userID int64) {
	i.mu.Lock()
	if set, ok := i.rooms[roomID]; ok {
		delete(set, userID)
		if len(set) == 0 {
			delete(i.rooms, roomID)
		}
	}
	i.mu.Unlock()
}

// RemoveAll deletes a user from every room it is tracked in. Called on
// disconnect.
func (i *Index) RemoveAll(userID int64) {
	i.mu.Lock()
	for roomID, set := range i.rooms {
		delete(set, userID)
		if len(set) == 0 {
			delete(i.rooms, roomID)
		}
	}
	i.mu.Unlock()
}

// MembersOf returns a snapshot copy of a room's member set, never a live
// reference.
func (i *Index) MembersOf(roomID int64) []int64 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	set := i.rooms[roomID]
	members := make([]int64, 0, len(set))
	for userID := range set {
		members = append(members, userID)
	}
	return members
}

// Rooms returns the ids of all rooms the user is currently tracked in.
func (i *Index) Rooms(userID int64) []int64 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	rooms := make([]int64, 0)
	for roomID, set := range i.rooms {
		if _, ok := set[userID]; ok {
			rooms = append(rooms, roomID)
		}
	}
	return rooms
}

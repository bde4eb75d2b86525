// Package registry tracks which peer sessions are joined to which voice rooms.
//
// The registry is the only shared mutable state on the signaling path. All
// access goes through its methods; nothing holds the lock across I/O.
package registry

import (
	"sync"
	"time"
)

// Peer is one live session's membership in a room.
//
// SessionID is the transport-level identifier and is unique per connection; a
// single UserID may hold several simultaneous sessions (multi-device).
type Peer struct {
	SessionID   string
	UserID      string
	DisplayName string
	AvatarURL   string

	Muted         bool
	Deafened      bool
	Speaking      bool
	ScreenSharing bool

	JoinedAt time.Time
}

// PeerUpdate is a partial update applied by UpdatePeer. Nil fields are left
// untouched.
type PeerUpdate struct {
	Muted         *bool
	Deafened      *bool
	Speaking      *bool
	ScreenSharing *bool
}

// Removal records one room a session was removed from by LeaveAll.
type Removal struct {
	RoomID string
	UserID string
}

type room struct {
	// order preserves join order for snapshots; members indexes by session id.
	order   []string
	members map[string]*Peer
}

// Registry maps room IDs to their current members. Rooms exist only while they
// have at least one member: created on first Join, deleted on last Leave.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*room

	now func() time.Time
}

func New() *Registry {
	return &Registry{
		rooms: make(map[string]*room),
		now:   time.Now,
	}
}

// Join registers peer under roomID, creating the room if absent, and returns a
// snapshot of the peers that were present before the insertion, in join order.
// The snapshot never contains the newly joined peer.
//
// If the session is already a member of the room, its record is replaced and
// the snapshot excludes it.
func (r *Registry) Join(roomID string, peer Peer) []Peer {
	if peer.JoinedAt.IsZero() {
		peer.JoinedAt = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{members: make(map[string]*Peer)}
		r.rooms[roomID] = rm
	}

	existing := make([]Peer, 0, len(rm.order))
	for _, sid := range rm.order {
		if sid == peer.SessionID {
			continue
		}
		existing = append(existing, *rm.members[sid])
	}

	if _, rejoin := rm.members[peer.SessionID]; !rejoin {
		rm.order = append(rm.order, peer.SessionID)
	}
	p := peer
	rm.members[peer.SessionID] = &p

	return existing
}

// Leave removes the session from the room. Removing the last member deletes
// the room itself. Unknown room or session is a no-op.
func (r *Registry) Leave(roomID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(roomID, sessionID)
}

// LeaveAll removes the session from every room it appears in and returns one
// Removal per room. Used on disconnect, where a connection may still be
// registered in more than one room (e.g. reconnect races).
func (r *Registry) LeaveAll(sessionID string) []Removal {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []Removal
	for roomID, rm := range r.rooms {
		p, ok := rm.members[sessionID]
		if !ok {
			continue
		}
		removed = append(removed, Removal{RoomID: roomID, UserID: p.UserID})
		r.removeLocked(roomID, sessionID)
	}
	return removed
}

// UpdatePeer merges upd into the peer record. Unknown room or session is a
// no-op.
func (r *Registry) UpdatePeer(roomID, sessionID string, upd PeerUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	p, ok := rm.members[sessionID]
	if !ok {
		return
	}

	if upd.Muted != nil {
		p.Muted = *upd.Muted
	}
	if upd.Deafened != nil {
		p.Deafened = *upd.Deafened
	}
	if upd.Speaking != nil {
		p.Speaking = *upd.Speaking
	}
	if upd.ScreenSharing != nil {
		p.ScreenSharing = *upd.ScreenSharing
	}
}

// GetPeer returns the peer's record, if present.
func (r *Registry) GetPeer(roomID, sessionID string) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return Peer{}, false
	}
	p, ok := rm.members[sessionID]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// RoomPeers returns the room's members in join order. An unknown room yields
// an empty slice.
func (r *Registry) RoomPeers(roomID string) []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	peers := make([]Peer, 0, len(rm.order))
	for _, sid := range rm.order {
		peers = append(peers, *rm.members[sid])
	}
	return peers
}

// RoomSize returns the room's current member count.
func (r *Registry) RoomSize(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return 0
	}
	return len(rm.members)
}

// RoomsOf returns the IDs of every room the session is currently a member of.
func (r *Registry) RoomsOf(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for roomID, rm := range r.rooms {
		if _, ok := rm.members[sessionID]; ok {
			out = append(out, roomID)
		}
	}
	return out
}

// Stats returns the member count per room. Empty rooms never appear because
// they are deleted on last leave.
func (r *Registry) Stats() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make(map[string]int, len(r.rooms))
	for roomID, rm := range r.rooms {
		stats[roomID] = len(rm.members)
	}
	return stats
}

func (r *Registry) removeLocked(roomID, sessionID string) {
	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	if _, ok := rm.members[sessionID]; !ok {
		return
	}
	delete(rm.members, sessionID)
	for i, sid := range rm.order {
		if sid == sessionID {
			rm.order = append(rm.order[:i], rm.order[i+1:]...)
			break
		}
	}
	if len(rm.members) == 0 {
		delete(r.rooms, roomID)
	}
}

package registry

import (
	"fmt"
	"reflect"
	"sync"
	"testing"
)

func peer(session, user string) Peer {
	return Peer{SessionID: session, UserID: user, DisplayName: "user " + user}
}

func sessionIDs(peers []Peer) []string {
	ids := make([]string, 0, len(peers))
	for _, p := range peers {
		ids = append(ids, p.SessionID)
	}
	return ids
}

func TestJoin_ReturnsPreInsertionSnapshotInOrder(t *testing.T) {
	r := New()

	if got := r.Join("general", peer("s1", "u1")); len(got) != 0 {
		t.Fatalf("first join snapshot = %v, want empty", sessionIDs(got))
	}
	if got := sessionIDs(r.Join("general", peer("s2", "u2"))); !reflect.DeepEqual(got, []string{"s1"}) {
		t.Fatalf("second join snapshot = %v, want [s1]", got)
	}
	got := sessionIDs(r.Join("general", peer("s3", "u1")))
	if !reflect.DeepEqual(got, []string{"s1", "s2"}) {
		t.Fatalf("third join snapshot = %v, want [s1 s2]", got)
	}
}

func TestJoin_SnapshotNeverContainsJoiner(t *testing.T) {
	r := New()
	r.Join("general", peer("s1", "u1"))

	// Re-joining the same room with the same session replaces the record and
	// must not report the session back to itself.
	got := r.Join("general", peer("s1", "u1"))
	if len(got) != 0 {
		t.Fatalf("rejoin snapshot = %v, want empty", sessionIDs(got))
	}
	if size := r.RoomSize("general"); size != 1 {
		t.Fatalf("RoomSize = %d, want 1", size)
	}
}

func TestLeave_DeletesEmptyRoom(t *testing.T) {
	r := New()
	r.Join("general", peer("s1", "u1"))
	r.Join("general", peer("s2", "u2"))

	r.Leave("general", "s1")
	if size := r.RoomSize("general"); size != 1 {
		t.Fatalf("RoomSize = %d, want 1", size)
	}

	r.Leave("general", "s2")
	if _, ok := r.Stats()["general"]; ok {
		t.Fatalf("room still present in Stats after last leave")
	}
}

func TestLeave_UnknownRoomOrSessionIsNoop(t *testing.T) {
	r := New()
	r.Join("general", peer("s1", "u1"))

	r.Leave("general", "nope")
	r.Leave("nope", "s1")

	if size := r.RoomSize("general"); size != 1 {
		t.Fatalf("RoomSize = %d, want 1", size)
	}
}

func TestLeaveAll_RemovesFromEveryRoom(t *testing.T) {
	r := New()
	r.Join("general", peer("s1", "u1"))
	r.Join("general", peer("s2", "u2"))
	r.Join("gaming", peer("s1", "u1"))

	removed := r.LeaveAll("s1")
	if len(removed) != 2 {
		t.Fatalf("LeaveAll removed %d rooms, want 2", len(removed))
	}
	byRoom := map[string]string{}
	for _, rm := range removed {
		byRoom[rm.RoomID] = rm.UserID
	}
	if byRoom["general"] != "u1" || byRoom["gaming"] != "u1" {
		t.Fatalf("unexpected removals: %v", removed)
	}

	stats := r.Stats()
	if stats["general"] != 1 {
		t.Fatalf("general size = %d, want 1", stats["general"])
	}
	if _, ok := stats["gaming"]; ok {
		t.Fatalf("gaming should have been deleted")
	}

	if again := r.LeaveAll("s1"); len(again) != 0 {
		t.Fatalf("second LeaveAll removed %v, want nothing", again)
	}
}

func TestUpdatePeer_TouchesOnlyTarget(t *testing.T) {
	r := New()
	r.Join("general", peer("s1", "u1"))
	r.Join("general", peer("s2", "u2"))

	before := r.RoomPeers("general")

	muted := true
	r.UpdatePeer("general", "s1", PeerUpdate{Muted: &muted})

	p1, ok := r.GetPeer("general", "s1")
	if !ok || !p1.Muted {
		t.Fatalf("s1 not muted after update: %+v ok=%v", p1, ok)
	}
	p2, ok := r.GetPeer("general", "s2")
	if !ok {
		t.Fatalf("s2 missing")
	}
	for _, b := range before {
		if b.SessionID == "s2" && !reflect.DeepEqual(b, p2) {
			t.Fatalf("s2 changed: before=%+v after=%+v", b, p2)
		}
	}

	// Unknown targets are no-ops.
	r.UpdatePeer("general", "nope", PeerUpdate{Muted: &muted})
	r.UpdatePeer("nope", "s1", PeerUpdate{Muted: &muted})
}

func TestUpdatePeer_PartialMerge(t *testing.T) {
	r := New()
	r.Join("general", peer("s1", "u1"))

	tr, fa := true, false
	r.UpdatePeer("general", "s1", PeerUpdate{Muted: &tr, Deafened: &tr})
	r.UpdatePeer("general", "s1", PeerUpdate{Speaking: &tr})
	r.UpdatePeer("general", "s1", PeerUpdate{Muted: &fa})

	p, _ := r.GetPeer("general", "s1")
	if p.Muted || !p.Deafened || !p.Speaking || p.ScreenSharing {
		t.Fatalf("unexpected state after merges: %+v", p)
	}
}

func TestStats_EmptyAfterAllLeaves(t *testing.T) {
	r := New()

	// Interleave joins and leaves across two rooms; once everyone has left the
	// registry must be empty.
	r.Join("a", peer("s1", "u1"))
	r.Join("b", peer("s1", "u1"))
	r.Join("a", peer("s2", "u2"))
	r.Leave("a", "s1")
	r.Join("b", peer("s2", "u2"))
	r.Leave("b", "s2")
	r.Leave("a", "s2")
	r.LeaveAll("s1")

	if stats := r.Stats(); len(stats) != 0 {
		t.Fatalf("Stats = %v, want empty", stats)
	}
}

func TestRoomsOf(t *testing.T) {
	r := New()
	r.Join("a", peer("s1", "u1"))
	r.Join("b", peer("s1", "u1"))
	r.Join("c", peer("s2", "u2"))

	rooms := r.RoomsOf("s1")
	if len(rooms) != 2 {
		t.Fatalf("RoomsOf = %v, want two rooms", rooms)
	}
	for _, id := range rooms {
		if id != "a" && id != "b" {
			t.Fatalf("unexpected room %q", id)
		}
	}
	if got := r.RoomsOf("nope"); len(got) != 0 {
		t.Fatalf("RoomsOf unknown session = %v, want empty", got)
	}
}

func TestRegistry_ConcurrentJoinLeave(t *testing.T) {
	r := New()

	const workers = 8
	const perWorker = 100

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				sid := fmt.Sprintf("s-%d-%d", w, i)
				r.Join("general", peer(sid, fmt.Sprintf("u-%d", w)))
				tr := true
				r.UpdatePeer("general", sid, PeerUpdate{Speaking: &tr})
				r.Leave("general", sid)
			}
		}(w)
	}
	wg.Wait()

	if stats := r.Stats(); len(stats) != 0 {
		t.Fatalf("Stats = %v, want empty after all workers finished", stats)
	}
}

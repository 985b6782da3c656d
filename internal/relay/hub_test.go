package relay

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h
}

func fakeClient(h *Hub, id string) *Client {
	c := &Client{hub: h, id: id, send: make(chan []byte, sendBuffer)}
	h.submit(event{kind: evRegister, client: c})
	return c
}

func emit(t *testing.T, h *Hub, c *Client, name string, payload interface{}) {
	t.Helper()
	frame, err := Encode(name, payload)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	env, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	h.submit(event{kind: evFrame, client: c, env: env})
}

func expect(t *testing.T, c *Client, name string, out interface{}) {
	t.Helper()
	select {
	case frame, ok := <-c.send:
		if !ok {
			t.Fatalf("%s: send channel closed, want %s", c.id, name)
		}
		env, err := Decode(frame)
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if env.Event != name {
			t.Fatalf("%s: got event %s, want %s", c.id, env.Event, name)
		}
		if out != nil {
			if err := json.Unmarshal(env.Data, out); err != nil {
				t.Fatalf("unmarshal %s: %v", name, err)
			}
		}
	case <-time.After(time.Second):
		t.Fatalf("%s: timed out waiting for %s", c.id, name)
	}
}

func expectNone(t *testing.T, c *Client) {
	t.Helper()
	select {
	case frame := <-c.send:
		t.Fatalf("%s: unexpected frame %s", c.id, frame)
	case <-time.After(30 * time.Millisecond):
	}
}

func join(t *testing.T, h *Hub, c *Client, story, uid, name string) []UserSummary {
	t.Helper()
	emit(t, h, c, EventJoinStory, JoinPayload{StoryID: story, UserID: uid, Username: name})
	var peers []UserSummary
	expect(t, c, EventActiveUsers, &peers)
	return peers
}

func TestHub_Online(t *testing.T) {
	h := startHub(t)
	if h.Online() != 0 {
		t.Errorf("Online() = %d, want 0", h.Online())
	}
	a := fakeClient(h, "a")
	fakeClient(h, "b")
	join(t, h, a, "s1", "u1", "alice")

	if h.Online() != 2 {
		t.Errorf("Online() = %d, want 2", h.Online())
	}
}

func TestHub_JoinAnnouncesAndSnapshots(t *testing.T) {
	h := startHub(t)
	a := fakeClient(h, "a")
	b := fakeClient(h, "b")

	if peers := join(t, h, a, "s1", "u1", "alice"); len(peers) != 0 {
		t.Errorf("first joiner peers = %+v, want none", peers)
	}
	peers := join(t, h, b, "s1", "u2", "bob")
	if len(peers) != 1 || peers[0] != (UserSummary{UserID: "u1", Username: "alice"}) {
		t.Errorf("second joiner peers = %+v", peers)
	}

	var joined PresencePayload
	expect(t, a, EventUserJoined, &joined)
	if joined != (PresencePayload{UserID: "u2", Username: "bob", SocketID: "b"}) {
		t.Errorf("user-joined = %+v", joined)
	}
	expectNone(t, b)
}

func TestHub_TextChangeFanOut(t *testing.T) {
	h := startHub(t)
	a := fakeClient(h, "a")
	b := fakeClient(h, "b")
	c := fakeClient(h, "c")
	outsider := fakeClient(h, "d")
	join(t, h, a, "s1", "u1", "alice")
	join(t, h, b, "s1", "u2", "bob")
	join(t, h, c, "s1", "u3", "carol")
	join(t, h, outsider, "s2", "u4", "dave")
	// drain presence notices
	expect(t, a, EventUserJoined, nil)
	expect(t, a, EventUserJoined, nil)
	expect(t, b, EventUserJoined, nil)

	// a spoofed userId is replaced by the membership record
	emit(t, h, a, EventTextChange, TextChange{Content: "Hello", ChapterIndex: 0, StoryID: "s1", UserID: "evil"})

	for _, peer := range []*Client{b, c} {
		var tc TextChange
		expect(t, peer, EventTextChange, &tc)
		want := TextChange{Content: "Hello", ChapterIndex: 0, StoryID: "s1", UserID: "u1", Username: "alice"}
		if tc != want {
			t.Errorf("%s got %+v, want %+v", peer.id, tc, want)
		}
	}
	if len(a.send) != 0 {
		t.Error("sender received its own text-change")
	}
	expectNone(t, outsider)
}

func TestHub_UnjoinedEventsDropped(t *testing.T) {
	h := startHub(t)
	a := fakeClient(h, "a")
	lurker := fakeClient(h, "lurker")
	join(t, h, a, "s1", "u1", "alice")

	emit(t, h, lurker, EventTextChange, TextChange{Content: "x", StoryID: "s1"})
	emit(t, h, lurker, EventCursorChange, CursorChange{Position: json.RawMessage(`3`), StoryID: "s1"})
	emit(t, h, lurker, "no-such-event", nil)

	expectNone(t, a)
	expectNone(t, lurker)
}

func TestHub_CursorChangeTagsSocket(t *testing.T) {
	h := startHub(t)
	a := fakeClient(h, "a")
	b := fakeClient(h, "b")
	join(t, h, a, "s1", "u1", "alice")
	join(t, h, b, "s1", "u2", "bob")
	expect(t, a, EventUserJoined, nil)

	emit(t, h, a, EventCursorChange, CursorChange{Position: json.RawMessage(`{"index":4,"length":0}`), ChapterIndex: 1, StoryID: "s1"})

	var cc CursorChange
	expect(t, b, EventCursorChange, &cc)
	if cc.SocketID != "a" || cc.UserID != "u1" || cc.Username != "alice" || cc.ChapterIndex != 1 {
		t.Errorf("cursor-change = %+v", cc)
	}
	if !strings.Contains(string(cc.Position), `"index":4`) {
		t.Errorf("position = %s, want verbatim", cc.Position)
	}
	expectNone(t, a)
}

func TestHub_DisconnectAnnouncesLeave(t *testing.T) {
	h := startHub(t)
	a := fakeClient(h, "a")
	b := fakeClient(h, "b")
	c := fakeClient(h, "c")
	join(t, h, a, "s1", "u1", "alice")
	join(t, h, b, "s1", "u2", "bob")
	join(t, h, c, "s1", "u3", "carol")
	expect(t, a, EventUserJoined, nil)
	expect(t, a, EventUserJoined, nil)
	expect(t, b, EventUserJoined, nil)

	h.submit(event{kind: evUnregister, client: a})

	for _, peer := range []*Client{b, c} {
		var left PresencePayload
		expect(t, peer, EventUserLeft, &left)
		if left != (PresencePayload{UserID: "u1", Username: "alice", SocketID: "a"}) {
			t.Errorf("%s got user-left %+v", peer.id, left)
		}
	}
	if _, ok := <-a.send; ok {
		t.Error("disconnected client's send channel still open")
	}

	members, err := h.Snapshot(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	for _, m := range members {
		if m.UserID == "u1" {
			t.Error("disconnected member still in snapshot")
		}
	}
	if len(members) != 2 {
		t.Errorf("Snapshot() = %+v, want 2 members", members)
	}
}

func TestHub_UnjoinedDisconnectIsSilent(t *testing.T) {
	h := startHub(t)
	a := fakeClient(h, "a")
	lurker := fakeClient(h, "lurker")
	join(t, h, a, "s1", "u1", "alice")

	h.submit(event{kind: evUnregister, client: lurker})
	h.submit(event{kind: evUnregister, client: lurker})
	expectNone(t, a)
}

func TestHub_LastWriteWins(t *testing.T) {
	h := startHub(t)
	u1 := fakeClient(h, "c1")
	u2 := fakeClient(h, "c2")
	join(t, h, u1, "s1", "u1", "one")
	join(t, h, u2, "s1", "u2", "two")
	expect(t, u1, EventUserJoined, nil)

	buffers := map[*Client]string{}
	emit(t, h, u1, EventTextChange, TextChange{Content: "Hello", ChapterIndex: 0, StoryID: "s1"})
	var tc TextChange
	expect(t, u2, EventTextChange, &tc)
	buffers[u2] = tc.Content
	if buffers[u2] != "Hello" {
		t.Fatalf("u2 buffer = %q, want Hello", buffers[u2])
	}

	emit(t, h, u2, EventTextChange, TextChange{Content: "Hello world", ChapterIndex: 0, StoryID: "s1"})
	expect(t, u1, EventTextChange, &tc)
	buffers[u1] = tc.Content
	if buffers[u1] != "Hello world" {
		t.Errorf("u1 buffer = %q, want Hello world", buffers[u1])
	}
}

func TestHub_EvictsSlowConsumer(t *testing.T) {
	h := startHub(t)
	a := fakeClient(h, "a")
	slow := &Client{hub: h, id: "slow", send: make(chan []byte, 1)}
	h.submit(event{kind: evRegister, client: slow})
	join(t, h, a, "s1", "u1", "alice")
	emit(t, h, slow, EventJoinStory, JoinPayload{StoryID: "s1", UserID: "u2", Username: "slow"})
	expect(t, a, EventUserJoined, nil)

	// slow never drains: the active-users reply fills its buffer
	emit(t, h, a, EventTextChange, TextChange{Content: "x", StoryID: "s1"})

	var left PresencePayload
	expect(t, a, EventUserLeft, &left)
	if left.SocketID != "slow" {
		t.Errorf("user-left socket = %s, want slow", left.SocketID)
	}
}

func TestHub_StopClosesClients(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()
	a := fakeClient(h, "a")
	join(t, h, a, "s1", "u1", "alice")

	cancel()
	<-done
	if _, ok := <-a.send; ok {
		t.Error("send channel open after hub stop")
	}
	if h.submit(event{kind: evRegister, client: &Client{id: "late", send: make(chan []byte, 1)}}) {
		t.Error("submit succeeded after hub stop")
	}
	if _, err := h.Snapshot(context.Background(), "s1"); err != ErrHubStopped {
		t.Errorf("Snapshot() error = %v, want ErrHubStopped", err)
	}
}

func TestHub_ConcurrentJoins(t *testing.T) {
	h := startHub(t)
	var wg sync.WaitGroup
	n := 10
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c := fakeClient(h, string(rune('a'+id)))
			frame, _ := Encode(EventJoinStory, JoinPayload{StoryID: "s1", UserID: string(rune('a' + id))})
			env, _ := Decode(frame)
			h.submit(event{kind: evFrame, client: c, env: env})
		}(i)
	}
	wg.Wait()

	deadline := time.Now().Add(time.Second)
	for {
		members, err := h.Snapshot(context.Background(), "s1")
		if err != nil {
			t.Fatalf("Snapshot() error = %v", err)
		}
		if len(members) == n {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Snapshot() = %d members, want %d", len(members), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	clog "storypad/internal/log"
	"storypad/internal/metrics"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// ErrHubStopped 在事件循环已退出后返回。
var ErrHubStopped = errors.New("relay hub stopped")

type eventKind int

const (
	evRegister eventKind = iota
	evFrame
	evUnregister
)

// 同一连接的注册、消息和注销走同一个 channel，保证按序处理。
type event struct {
	kind   eventKind
	client *Client
	env    Envelope
}

type snapshotReq struct {
	storyID string
	reply   chan []UserSummary
}

// Hub 是协作中继：单个事件循环独占 Registry 与连接表，所有房间共用。
// 房间状态只存在于本进程内，不支持多实例部署。
type Hub struct {
	reg       *Registry
	clients   map[string]*Client
	events    chan event
	snapshots chan snapshotReq
	done      chan struct{}
	doneOnce  sync.Once
	online    int32
	evicted   []*Client
	log       zerolog.Logger
}

func NewHub() *Hub {
	return &Hub{
		reg:       NewRegistry(),
		clients:   make(map[string]*Client),
		events:    make(chan event, 256),
		snapshots: make(chan snapshotReq),
		done:      make(chan struct{}),
		log:       clog.Component("relay"),
	}
}

// Run 处理事件直到 ctx 取消；退出时关闭所有连接的发送队列。
func (h *Hub) Run(ctx context.Context) error {
	defer h.shutdown()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-h.events:
			h.handle(ev)
			h.flushEvictions()
			metrics.RelayRooms.Set(float64(h.reg.Rooms()))
		case req := <-h.snapshots:
			req.reply <- h.reg.Members(req.storyID)
		}
	}
}

func (h *Hub) shutdown() {
	h.doneOnce.Do(func() { close(h.done) })
	for id, c := range h.clients {
		close(c.send)
		delete(h.clients, id)
		metrics.RelayConnections.Dec()
	}
	atomic.StoreInt32(&h.online, 0)
}

// String 供 supervisor 日志识别服务。
func (h *Hub) String() string { return "relay-hub" }

func (h *Hub) submit(ev event) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.events <- ev:
		return true
	case <-h.done:
		return false
	}
}

// Online 返回当前连接数（包括尚未加入房间的连接）。
func (h *Hub) Online() int { return int(atomic.LoadInt32(&h.online)) }

// Snapshot 返回某个故事当前的成员列表，供 REST 接口复用。
func (h *Hub) Snapshot(ctx context.Context, storyID string) ([]UserSummary, error) {
	req := snapshotReq{storyID: storyID, reply: make(chan []UserSummary, 1)}
	select {
	case h.snapshots <- req:
	case <-h.done:
		return nil, ErrHubStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case out := <-req.reply:
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Hub) handle(ev event) {
	switch ev.kind {
	case evRegister:
		h.clients[ev.client.id] = ev.client
		atomic.StoreInt32(&h.online, int32(len(h.clients)))
		metrics.RelayConnections.Inc()
	case evUnregister:
		h.disconnect(ev.client)
	case evFrame:
		if _, ok := h.clients[ev.client.id]; !ok {
			return
		}
		h.handleFrame(ev.client, ev.env)
	}
}

func (h *Hub) handleFrame(c *Client, env Envelope) {
	switch env.Event {
	case EventJoinStory:
		var p JoinPayload
		if err := json.Unmarshal(env.Data, &p); err != nil || p.StoryID == "" {
			metrics.RelayDroppedTotal.WithLabelValues("bad_payload").Inc()
			return
		}
		metrics.RelayEventsTotal.WithLabelValues(env.Event).Inc()
		h.join(c, p)
	case EventTextChange:
		var p TextChange
		if err := json.Unmarshal(env.Data, &p); err != nil {
			metrics.RelayDroppedTotal.WithLabelValues("bad_payload").Inc()
			return
		}
		m, ok := h.reg.Lookup(c.id)
		if !ok {
			metrics.RelayDroppedTotal.WithLabelValues("not_joined").Inc()
			return
		}
		metrics.RelayEventsTotal.WithLabelValues(env.Event).Inc()
		// 身份取自连接的成员记录，不信任客户端传来的 userId。
		p.UserID, p.Username = m.UserID, m.Username
		h.broadcast(m.StoryID, c.id, EventTextChange, p)
	case EventCursorChange:
		var p CursorChange
		if err := json.Unmarshal(env.Data, &p); err != nil {
			metrics.RelayDroppedTotal.WithLabelValues("bad_payload").Inc()
			return
		}
		m, ok := h.reg.Lookup(c.id)
		if !ok {
			metrics.RelayDroppedTotal.WithLabelValues("not_joined").Inc()
			return
		}
		metrics.RelayEventsTotal.WithLabelValues(env.Event).Inc()
		p.UserID, p.Username, p.SocketID = m.UserID, m.Username, c.id
		h.reg.SetCursor(c.id, p)
		h.broadcast(m.StoryID, c.id, EventCursorChange, p)
	default:
		metrics.RelayDroppedTotal.WithLabelValues("unknown_event").Inc()
	}
}

func (h *Hub) join(c *Client, p JoinPayload) {
	peers := h.reg.Join(c.id, Member{StoryID: p.StoryID, Username: p.Username, UserID: p.UserID})
	h.log.Debug().Str("story_id", p.StoryID).Str("user_id", p.UserID).Str("socket_id", c.id).Msg("join")
	h.broadcast(p.StoryID, c.id, EventUserJoined, PresencePayload{UserID: p.UserID, Username: p.Username, SocketID: c.id})
	frame, err := Encode(EventActiveUsers, peers)
	if err != nil {
		h.log.Error().Err(err).Msg("encode active-users")
		return
	}
	h.deliver(c, frame)
}

func (h *Hub) disconnect(c *Client) {
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	delete(h.clients, c.id)
	close(c.send)
	atomic.StoreInt32(&h.online, int32(len(h.clients)))
	metrics.RelayConnections.Dec()

	m, ok := h.reg.Remove(c.id)
	if !ok {
		return
	}
	h.log.Debug().Str("story_id", m.StoryID).Str("user_id", m.UserID).Str("socket_id", c.id).Msg("leave")
	h.broadcast(m.StoryID, c.id, EventUserLeft, PresencePayload{UserID: m.UserID, Username: m.Username, SocketID: c.id})
}

// broadcast 把事件编码一次，发给房间内除 exclude 外的每条连接。
func (h *Hub) broadcast(storyID, exclude, event string, payload interface{}) {
	peers := h.reg.Peers(storyID, exclude)
	if len(peers) == 0 {
		return
	}
	frame, err := Encode(event, payload)
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("encode broadcast")
		return
	}
	for _, id := range peers {
		if c, ok := h.clients[id]; ok {
			h.deliver(c, frame)
		}
	}
}

// deliver 不阻塞事件循环；发送队列满的连接会在本轮结束后被踢出。
func (h *Hub) deliver(c *Client, frame []byte) {
	select {
	case c.send <- frame:
	default:
		h.evicted = append(h.evicted, c)
	}
}

func (h *Hub) flushEvictions() {
	for len(h.evicted) > 0 {
		c := h.evicted[0]
		h.evicted = h.evicted[1:]
		if _, ok := h.clients[c.id]; !ok {
			continue
		}
		metrics.RelayEvictionsTotal.Inc()
		h.log.Warn().Str("socket_id", c.id).Msg("evict slow consumer")
		h.disconnect(c)
	}
}

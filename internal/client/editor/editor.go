// Package editor 是单个章节的协作编辑器客户端。
//
// 每次变更都发送和应用整章正文而不是增量：两人同时编辑同一章时，
// 每个接收方以最后到达的那条消息为准，先到的编辑会被整段覆盖。
package editor

import (
	"context"
	"errors"
	"sync"
	"time"

	"storypad/internal/relay"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	writeWait          = 10 * time.Second
	defaultRemoteGuard = 100 * time.Millisecond
	sendBuffer         = 64
)

var (
	ErrMissingIdentity = errors.New("editor needs a story id and a user id")
	ErrNotJoined       = errors.New("editor is not connected")
)

type Status int

const (
	Disconnected Status = iota
	Connecting
	Joined
)

func (s Status) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Joined:
		return "joined"
	default:
		return "disconnected"
	}
}

type Peer struct {
	UserID   string
	Username string
}

// Cursor 是远端光标，仅用于显示。Position 原样保留对端发来的 JSON，
// 可能是偏移量，也可能是 {index,length} 选区。
type Cursor struct {
	SocketID     string
	UserID       string
	Username     string
	ChapterIndex int
	Position     json.RawMessage
}

// Offset 在 Position 是整数偏移量时返回它。
func (c Cursor) Offset() (int, bool) {
	var n int
	if json.Unmarshal(c.Position, &n) != nil {
		return 0, false
	}
	return n, true
}

type Options struct {
	URL          string
	StoryID      string
	UserID       string
	Username     string
	ChapterIndex int
	Content      string
	// RemoteGuard 是应用远端内容后抑制本地回发的时间窗口，默认 100ms。
	RemoteGuard time.Duration
	Dialer      *websocket.Dialer

	OnContent func(content string)
	OnPeers   func(peers []Peer)
	OnStatus  func(status Status)
}

type Editor struct {
	opts Options
	log  zerolog.Logger
	now  func() time.Time

	mu          sync.Mutex
	status      Status
	chapter     int
	buffer      string
	peers       []Peer
	cursors     map[string]Cursor
	remoteUntil time.Time
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
}

func New(opts Options) *Editor {
	if opts.RemoteGuard == 0 {
		opts.RemoteGuard = defaultRemoteGuard
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Editor{
		opts:    opts,
		log:     log.With().Str("component", "editor").Str("story_id", opts.StoryID).Logger(),
		now:     time.Now,
		chapter: opts.ChapterIndex,
		buffer:  opts.Content,
		cursors: make(map[string]Cursor),
		done:    make(chan struct{}),
	}
}

// Open 连接中继并加入故事房间。连接失败只记录日志并回到 Disconnected，不自动重连。
func (e *Editor) Open(ctx context.Context) error {
	if e.opts.StoryID == "" || e.opts.UserID == "" {
		return ErrMissingIdentity
	}
	e.setStatus(Connecting)
	conn, _, err := e.opts.Dialer.DialContext(ctx, e.opts.URL, nil)
	if err != nil {
		e.log.Error().Err(err).Str("url", e.opts.URL).Msg("relay connect")
		e.setStatus(Disconnected)
		return err
	}

	e.mu.Lock()
	e.conn = conn
	e.send = make(chan []byte, sendBuffer)
	e.mu.Unlock()

	go e.writeLoop(conn, e.send)
	go e.readLoop(conn)

	if err := e.emit(relay.EventJoinStory, relay.JoinPayload{StoryID: e.opts.StoryID, Username: e.opts.Username, UserID: e.opts.UserID}); err != nil {
		e.Close()
		return err
	}
	// done 的检查与状态写入在同一把锁内，读循环先行关闭时不会残留 Joined。
	e.mu.Lock()
	select {
	case <-e.done:
		e.mu.Unlock()
		return ErrNotJoined
	default:
	}
	changed := e.status != Joined
	e.status = Joined
	e.mu.Unlock()
	if changed && e.opts.OnStatus != nil {
		e.opts.OnStatus(Joined)
	}
	return nil
}

// Close 无条件断开连接，对应组件卸载。
func (e *Editor) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
		e.mu.Lock()
		conn := e.conn
		e.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
	e.setStatus(Disconnected)
}

// Edit 是一次本地编辑：替换缓冲区并广播整章正文。
// 刚应用过远端内容时（保护窗口内）不回发，避免把别人的内容再广播一遍。
func (e *Editor) Edit(content string) error {
	e.mu.Lock()
	e.buffer = content
	chapter := e.chapter
	guarded := e.now().Before(e.remoteUntil)
	joined := e.status == Joined
	e.mu.Unlock()

	if guarded {
		return nil
	}
	if !joined {
		return ErrNotJoined
	}
	return e.emit(relay.EventTextChange, relay.TextChange{Content: content, ChapterIndex: chapter, StoryID: e.opts.StoryID})
}

// MoveCursor 尽力广播本地光标位置，失败时忽略。
func (e *Editor) MoveCursor(position int) {
	e.mu.Lock()
	chapter := e.chapter
	joined := e.status == Joined
	e.mu.Unlock()
	if !joined {
		return
	}
	pos, _ := json.Marshal(position)
	_ = e.emit(relay.EventCursorChange, relay.CursorChange{Position: pos, ChapterIndex: chapter, StoryID: e.opts.StoryID})
}

// SetChapter 切换当前章节，content 为该章已保存的正文。
func (e *Editor) SetChapter(index int, content string) {
	e.mu.Lock()
	e.chapter = index
	e.buffer = content
	e.mu.Unlock()
}

func (e *Editor) Content() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buffer
}

func (e *Editor) Chapter() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.chapter
}

func (e *Editor) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Editor) Peers() []Peer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Peer(nil), e.peers...)
}

func (e *Editor) Cursors() map[string]Cursor {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]Cursor, len(e.cursors))
	for k, v := range e.cursors {
		out[k] = v
	}
	return out
}

func (e *Editor) setStatus(s Status) {
	e.mu.Lock()
	changed := e.status != s
	e.status = s
	e.mu.Unlock()
	if changed && e.opts.OnStatus != nil {
		e.opts.OnStatus(s)
	}
}

func (e *Editor) emit(event string, payload interface{}) error {
	frame, err := relay.Encode(event, payload)
	if err != nil {
		return err
	}
	e.mu.Lock()
	send := e.send
	e.mu.Unlock()
	if send == nil {
		return ErrNotJoined
	}
	select {
	case send <- frame:
		return nil
	case <-e.done:
		return ErrNotJoined
	}
}

func (e *Editor) writeLoop(conn *websocket.Conn, send <-chan []byte) {
	for {
		select {
		case frame := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				e.log.Debug().Err(err).Msg("write")
				e.Close()
				return
			}
		case <-e.done:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (e *Editor) readLoop(conn *websocket.Conn) {
	defer e.Close()
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-e.done:
			default:
				e.log.Warn().Err(err).Msg("relay connection lost")
			}
			return
		}
		e.handleFrame(frame)
	}
}

func (e *Editor) handleFrame(frame []byte) {
	env, err := relay.Decode(frame)
	if err != nil {
		return
	}
	switch env.Event {
	case relay.EventActiveUsers:
		var users []relay.UserSummary
		if json.Unmarshal(env.Data, &users) != nil {
			return
		}
		e.applyActiveUsers(users)
	case relay.EventUserJoined:
		var p relay.PresencePayload
		if json.Unmarshal(env.Data, &p) != nil {
			return
		}
		e.applyUserJoined(p)
	case relay.EventUserLeft:
		var p relay.PresencePayload
		if json.Unmarshal(env.Data, &p) != nil {
			return
		}
		e.applyUserLeft(p)
	case relay.EventTextChange:
		var tc relay.TextChange
		if json.Unmarshal(env.Data, &tc) != nil {
			return
		}
		e.applyRemoteText(tc)
	case relay.EventCursorChange:
		var cc relay.CursorChange
		if json.Unmarshal(env.Data, &cc) != nil {
			return
		}
		e.applyRemoteCursor(cc)
	}
}

// applyActiveUsers 按 userId 去重并排除自己；服务端不做去重。
func (e *Editor) applyActiveUsers(users []relay.UserSummary) {
	seen := make(map[string]bool, len(users))
	peers := make([]Peer, 0, len(users))
	for _, u := range users {
		if u.UserID == e.opts.UserID || seen[u.UserID] {
			continue
		}
		seen[u.UserID] = true
		peers = append(peers, Peer{UserID: u.UserID, Username: u.Username})
	}
	e.mu.Lock()
	e.peers = peers
	e.mu.Unlock()
	e.notifyPeers()
}

// applyUserJoined 不去重：同一用户开两个标签页会出现两次。
func (e *Editor) applyUserJoined(p relay.PresencePayload) {
	if p.UserID == e.opts.UserID {
		return
	}
	e.mu.Lock()
	e.peers = append(e.peers, Peer{UserID: p.UserID, Username: p.Username})
	e.mu.Unlock()
	e.notifyPeers()
}

func (e *Editor) applyUserLeft(p relay.PresencePayload) {
	e.mu.Lock()
	kept := e.peers[:0]
	for _, peer := range e.peers {
		if peer.UserID != p.UserID {
			kept = append(kept, peer)
		}
	}
	e.peers = kept
	delete(e.cursors, p.SocketID)
	e.mu.Unlock()
	e.notifyPeers()
}

// applyRemoteText 只接受当前章节的内容，直接整段覆盖缓冲区。
func (e *Editor) applyRemoteText(tc relay.TextChange) {
	e.mu.Lock()
	if tc.ChapterIndex != e.chapter {
		e.mu.Unlock()
		return
	}
	e.buffer = tc.Content
	e.remoteUntil = e.now().Add(e.opts.RemoteGuard)
	e.mu.Unlock()
	if e.opts.OnContent != nil {
		e.opts.OnContent(tc.Content)
	}
}

func (e *Editor) applyRemoteCursor(cc relay.CursorChange) {
	if len(cc.Position) == 0 {
		return
	}
	pos := append(json.RawMessage(nil), cc.Position...)
	e.mu.Lock()
	e.cursors[cc.SocketID] = Cursor{SocketID: cc.SocketID, UserID: cc.UserID, Username: cc.Username, ChapterIndex: cc.ChapterIndex, Position: pos}
	e.mu.Unlock()
}

func (e *Editor) notifyPeers() {
	if e.opts.OnPeers != nil {
		e.opts.OnPeers(e.Peers())
	}
}

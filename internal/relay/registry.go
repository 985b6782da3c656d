package relay

import "sort"

// Member 是 activeUsers 中一条连接的成员记录。
type Member struct {
	StoryID  string
	Username string
	UserID   string
	seq      uint64
}

// Registry 持有房间成员关系，只允许 Hub 的事件循环访问，因此不加锁。
//
// 一条连接同一时刻只应属于一个故事房间，但 Join 不会让连接离开之前的房间：
// activeUsers 记录被覆盖，旧房间的连接集合里仍保留这条连接。
type Registry struct {
	activeUsers     map[string]Member
	cursorPositions map[string]CursorChange
	rooms           map[string]map[string]struct{}
	seq             uint64
}

func NewRegistry() *Registry {
	return &Registry{
		activeUsers:     make(map[string]Member),
		cursorPositions: make(map[string]CursorChange),
		rooms:           make(map[string]map[string]struct{}),
	}
}

// Join 记录连接的成员身份并返回快照：同房间、userId 不同于加入者的成员。
func (r *Registry) Join(connID string, m Member) []UserSummary {
	r.seq++
	m.seq = r.seq
	r.activeUsers[connID] = m
	room := r.rooms[m.StoryID]
	if room == nil {
		room = make(map[string]struct{})
		r.rooms[m.StoryID] = room
	}
	room[connID] = struct{}{}

	others := make([]Member, 0, len(r.activeUsers))
	for id, u := range r.activeUsers {
		if id == connID || u.StoryID != m.StoryID || u.UserID == m.UserID {
			continue
		}
		others = append(others, u)
	}
	sort.Slice(others, func(i, j int) bool { return others[i].seq < others[j].seq })
	out := make([]UserSummary, 0, len(others))
	for _, u := range others {
		out = append(out, UserSummary{UserID: u.UserID, Username: u.Username})
	}
	return out
}

func (r *Registry) Lookup(connID string) (Member, bool) {
	m, ok := r.activeUsers[connID]
	return m, ok
}

// Peers 返回房间内除 exclude 外的全部连接 id，按字典序排列。
func (r *Registry) Peers(storyID, exclude string) []string {
	room := r.rooms[storyID]
	out := make([]string, 0, len(room))
	for id := range room {
		if id != exclude {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Registry) SetCursor(connID string, cc CursorChange) {
	r.cursorPositions[connID] = cc
}

func (r *Registry) Cursor(connID string) (CursorChange, bool) {
	cc, ok := r.cursorPositions[connID]
	return cc, ok
}

// Remove 把连接从两张表和所有房间中删除，返回它原来的成员记录。
func (r *Registry) Remove(connID string) (Member, bool) {
	m, ok := r.activeUsers[connID]
	delete(r.activeUsers, connID)
	delete(r.cursorPositions, connID)
	for storyID, room := range r.rooms {
		delete(room, connID)
		if len(room) == 0 {
			delete(r.rooms, storyID)
		}
	}
	return m, ok
}

// Members 返回故事的成员快照（每条连接一项，不按用户去重）。
func (r *Registry) Members(storyID string) []UserSummary {
	members := make([]Member, 0)
	for _, u := range r.activeUsers {
		if u.StoryID == storyID {
			members = append(members, u)
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].seq < members[j].seq })
	out := make([]UserSummary, 0, len(members))
	for _, u := range members {
		out = append(out, UserSummary{UserID: u.UserID, Username: u.Username})
	}
	return out
}

func (r *Registry) Rooms() int { return len(r.rooms) }

func (r *Registry) Size() int { return len(r.activeUsers) }

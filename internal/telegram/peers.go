package telegram

import (
	"sort"
	"strings"
	"sync"

	"github.com/gotd/td/tg"
)

// chat ids are marked the way the bot api does it:
// users keep their id, basic groups are negative,
// channels and supergroups are shifted below -1e12
const channelIDOffset int64 = 1000000000000

// MarkedID returns the chat id of a peer.
func MarkedID(p tg.PeerClass) int64 {
	switch p := p.(type) {
	case *tg.PeerUser:
		return p.UserID
	case *tg.PeerChat:
		return -p.ChatID
	case *tg.PeerChannel:
		return markChannel(p.ChannelID)
	}
	return 0
}

func markChannel(id int64) int64 {
	return -channelIDOffset - id
}

// ChatInfo describes a chat known to the account.
type ChatInfo struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
	Kind  string `json:"kind"`
}

// chat kinds
const (
	KindUser       = "user"
	KindGroup      = "group"
	KindSupergroup = "supergroup"
	KindForum      = "forum"
	KindChannel    = "channel"
)

// peerCache maps chat ids to input peers usable in api calls
// thread-safe
type peerCache struct {
	mu    sync.RWMutex
	peers map[int64]tg.InputPeerClass
	info  map[int64]ChatInfo
}

func newPeerCache() *peerCache {
	return &peerCache{
		peers: make(map[int64]tg.InputPeerClass),
		info:  make(map[int64]ChatInfo),
	}
}

// chats returns every chat with a known title, ordered by id.
func (c *peerCache) chats() []ChatInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ChatInfo, 0, len(c.info))
	for _, ci := range c.info {
		out = append(out, ci)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *peerCache) get(id int64) (tg.InputPeerClass, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.peers[id]
	return p, ok
}

func (c *peerCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.peers)
}

func (c *peerCache) addChats(chats []tg.ChatClass) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range chats {
		c.putChat(ch)
	}
}

func (c *peerCache) addUsers(users []tg.UserClass) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range users {
		if u, ok := u.(*tg.User); ok {
			c.putUser(u)
		}
	}
}

// addEntities stores peers delivered with an update.
func (c *peerCache) addEntities(e *tg.Entities) {
	if e == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range e.Users {
		c.putUser(u)
	}
	for _, ch := range e.Chats {
		c.putChat(ch)
	}
	for _, ch := range e.Channels {
		c.putChat(ch)
	}
}

// caller holds the lock
func (c *peerCache) putUser(u *tg.User) {
	c.peers[u.ID] = &tg.InputPeerUser{UserID: u.ID, AccessHash: u.AccessHash}

	title := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if u.Username != "" {
		title = strings.TrimSpace(title + " @" + u.Username)
	}
	c.info[u.ID] = ChatInfo{ID: u.ID, Title: title, Kind: KindUser}
}

// caller holds the lock
func (c *peerCache) putChat(ch tg.ChatClass) {
	switch ch := ch.(type) {
	case *tg.Chat:
		c.peers[-ch.ID] = &tg.InputPeerChat{ChatID: ch.ID}
		c.info[-ch.ID] = ChatInfo{ID: -ch.ID, Title: ch.Title, Kind: KindGroup}
	case *tg.Channel:
		id := markChannel(ch.ID)
		c.peers[id] = &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}

		kind := KindChannel
		switch {
		case ch.Forum:
			kind = KindForum
		case ch.Megagroup:
			kind = KindSupergroup
		}
		c.info[id] = ChatInfo{ID: id, Title: ch.Title, Kind: kind}
	case *tg.ChannelForbidden:
		c.peers[markChannel(ch.ID)] = &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}
	}
}

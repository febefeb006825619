package telegram

import (
	"testing"

	"github.com/gotd/td/tg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkedID(t *testing.T) {
	tests := []struct {
		name string
		peer tg.PeerClass
		want int64
	}{
		{"user", &tg.PeerUser{UserID: 777}, 777},
		{"basic group", &tg.PeerChat{ChatID: 123}, -123},
		{"channel", &tg.PeerChannel{ChannelID: 1234567890}, -1001234567890},
		{"nil", nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MarkedID(tt.peer))
		})
	}
}

func TestPeerCache(t *testing.T) {
	c := newPeerCache()

	c.addChats([]tg.ChatClass{
		&tg.Channel{ID: 10, AccessHash: 100},
		&tg.Chat{ID: 20},
		&tg.ChatEmpty{ID: 30},
	})
	c.addUsers([]tg.UserClass{&tg.User{ID: 40, AccessHash: 400}, &tg.UserEmpty{ID: 50}})

	assert.Equal(t, 3, c.len())

	p, ok := c.get(markChannel(10))
	require.True(t, ok)
	assert.Equal(t, &tg.InputPeerChannel{ChannelID: 10, AccessHash: 100}, p)

	p, ok = c.get(-20)
	require.True(t, ok)
	assert.Equal(t, &tg.InputPeerChat{ChatID: 20}, p)

	p, ok = c.get(40)
	require.True(t, ok)
	assert.Equal(t, &tg.InputPeerUser{UserID: 40, AccessHash: 400}, p)

	_, ok = c.get(-30)
	assert.False(t, ok)
}

func TestPeerCache_AddEntities(t *testing.T) {
	c := newPeerCache()

	c.addEntities(nil)
	c.addEntities(&tg.Entities{
		Users:    map[int64]*tg.User{1: {ID: 1, AccessHash: 11}},
		Chats:    map[int64]*tg.Chat{2: {ID: 2}},
		Channels: map[int64]*tg.Channel{3: {ID: 3, AccessHash: 33}},
	})

	assert.Equal(t, 3, c.len())
	p, ok := c.get(markChannel(3))
	require.True(t, ok)
	assert.Equal(t, &tg.InputPeerChannel{ChannelID: 3, AccessHash: 33}, p)
}

func TestPeerCache_Chats(t *testing.T) {
	c := newPeerCache()
	c.addChats([]tg.ChatClass{
		&tg.Channel{ID: 10, AccessHash: 100, Title: "news", Broadcast: true},
		&tg.Channel{ID: 11, AccessHash: 110, Title: "talk", Megagroup: true},
		&tg.Channel{ID: 12, AccessHash: 120, Title: "board", Megagroup: true, Forum: true},
		&tg.Chat{ID: 20, Title: "family"},
		&tg.ChannelForbidden{ID: 13, AccessHash: 130, Title: "gone"},
	})
	c.addUsers([]tg.UserClass{&tg.User{ID: 40, AccessHash: 400, FirstName: "Ann", Username: "ann"}})

	assert.Equal(t, []ChatInfo{
		{ID: markChannel(12), Title: "board", Kind: KindForum},
		{ID: markChannel(11), Title: "talk", Kind: KindSupergroup},
		{ID: markChannel(10), Title: "news", Kind: KindChannel},
		{ID: -20, Title: "family", Kind: KindGroup},
		{ID: 40, Title: "Ann @ann", Kind: KindUser},
	}, c.chats())
	// forbidden channels stay addressable
	_, ok := c.get(markChannel(13))
	assert.True(t, ok)
}

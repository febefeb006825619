// Package telegram implements the forwarding platform on top of the
// Telegram MTProto api (gotgproto + gotd).
package telegram

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/celestix/gotgproto"
	"github.com/celestix/gotgproto/dispatcher/handlers"
	"github.com/celestix/gotgproto/dispatcher/handlers/filters"
	"github.com/celestix/gotgproto/ext"
	"github.com/gotd/td/tg"

	"github.com/blockedby/tgrelay/internal/forward"
	"github.com/blockedby/tgrelay/internal/logger"
	"github.com/blockedby/tgrelay/internal/models"
)

// errors
var (
	ErrNotAuthorized     = errors.New("telegram client not authorized")
	ErrPeerNotFound      = errors.New("chat not found among dialogs")
	ErrAlreadySubscribed = errors.New("telegram: a subscription is already active")
	ErrDisconnected      = errors.New("telegram: client disconnected")
)

// defaults
const (
	DefaultAlbumWait = 800 * time.Millisecond
	// sends are paced by the dispatch queue, this limiter only carries flood pauses
	sendRPS = 30

	dialogsPageSize     = 100
	maxDialogPages      = 50
	peerRefreshInterval = time.Minute
)

// Options configures a Client.
type Options struct {
	// HistoryRPS limits history reads per second.
	HistoryRPS float64
	// AlbumWait is the quiet period after which buffered album items are emitted.
	AlbumWait time.Duration
	Log       *logger.Logger
}

// Client implements forward.Platform.
// It uses the Manager to access the underlying protocol client.
type Client struct {
	manager   *Manager
	history   *RateLimiter
	sends     *RateLimiter
	peers     *peerCache
	albumWait time.Duration
	log       *logger.Logger

	subMu      sync.Mutex
	sub        *subscription
	registered bool
	idle       *idleWatch

	refreshMu   sync.Mutex
	refreshedAt time.Time
}

var _ forward.Platform = (*Client)(nil)

// subscription is one active Subscribe call
type subscription struct {
	ctx      context.Context
	chats    map[int64]struct{}
	handlers forward.Handlers
	albums   *albumBuffer
}

// idler is the part of gotgproto.Client that blocks until the client stops.
type idler interface {
	Idle() error
}

// idleWatch waits once for a protocol client to stop and shares the
// result with every subscription made on that client.
type idleWatch struct {
	proto idler
	done  chan struct{}
	err   error
}

func newIdleWatch(proto idler) *idleWatch {
	w := &idleWatch{proto: proto, done: make(chan struct{})}
	go func() {
		w.err = proto.Idle()
		close(w.done)
	}()
	return w
}

// NewClient creates a new telegram client wrapper using the Manager.
func NewClient(manager *Manager, opts Options) *Client {
	history := DefaultRateLimiter()
	if opts.HistoryRPS > 0 {
		history = NewRateLimiter(opts.HistoryRPS, 1)
	}
	if opts.AlbumWait <= 0 {
		opts.AlbumWait = DefaultAlbumWait
	}
	if opts.Log == nil {
		opts.Log = logger.Get().Component("telegram")
	}
	return &Client{
		manager:   manager,
		history:   history,
		sends:     NewRateLimiter(sendRPS, sendRPS),
		peers:     newPeerCache(),
		albumWait: opts.AlbumWait,
		log:       opts.Log,
	}
}

// Close stops the client via the manager.
func (c *Client) Close() {
	if c.manager != nil {
		c.manager.Stop()
	}
}

// GetStatus returns the current status of the telegram client.
func (c *Client) GetStatus() Status {
	return c.manager.GetStatus()
}

// getProto returns the current protocol client if available.
func (c *Client) getProto() (*gotgproto.Client, error) {
	proto := c.manager.GetClient()
	if proto == nil {
		return nil, ErrNotAuthorized
	}
	return proto, nil
}

// API returns the raw tg.Client for direct API calls.
func (c *Client) API() (*tg.Client, error) {
	proto, err := c.getProto()
	if err != nil {
		return nil, err
	}
	return proto.API(), nil
}

// Subscribe delivers new messages of chats to h until ctx is done
// or the connection is lost. Album items are buffered and delivered
// together through h.OnAlbum.
func (c *Client) Subscribe(ctx context.Context, chats []int64, h forward.Handlers) error {
	proto, err := c.getProto()
	if err != nil {
		return err
	}
	if err := c.refreshPeers(ctx, true); err != nil {
		c.log.Warn().Err(err).Msg("telegram: failed to load dialogs")
	}

	sub := &subscription{
		ctx:      ctx,
		chats:    make(map[int64]struct{}, len(chats)),
		handlers: h,
	}
	for _, id := range chats {
		sub.chats[id] = struct{}{}
	}
	sub.albums = newAlbumBuffer(c.albumWait, func(msgs []models.SourceMessage) {
		if sub.handlers.OnAlbum != nil {
			sub.handlers.OnAlbum(sub.ctx, msgs)
		}
	})

	c.subMu.Lock()
	if c.sub != nil {
		c.subMu.Unlock()
		return ErrAlreadySubscribed
	}
	c.sub = sub
	// gotgproto handlers cannot be removed, so one handler serves every subscription
	if !c.registered {
		proto.Dispatcher.AddHandler(handlers.NewMessage(filters.Message.All, c.onMessage))
		c.registered = true
	}
	idle := c.watchIdleLocked(proto)
	c.subMu.Unlock()

	c.log.Info().Int("chats", len(chats)).Msg("telegram: listening for new messages")

	defer func() {
		c.subMu.Lock()
		c.sub = nil
		c.subMu.Unlock()
		if dropped := sub.albums.stop(); dropped > 0 {
			c.log.Warn().Int("messages", dropped).Msg("telegram: dropped incomplete albums")
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case <-idle.done:
		err := idle.err
		if err == nil {
			err = ErrDisconnected
		}
		return fmt.Errorf("telegram: client stopped: %w", err)
	}
}

// watchIdleLocked returns the idle watch of proto, starting it on first use.
// caller holds subMu
func (c *Client) watchIdleLocked(proto idler) *idleWatch {
	if c.idle == nil || c.idle.proto != proto {
		c.idle = newIdleWatch(proto)
	}
	return c.idle
}

// PendingAlbums returns the number of live albums still collecting items.
func (c *Client) PendingAlbums() int {
	c.subMu.Lock()
	sub := c.sub
	c.subMu.Unlock()
	if sub == nil {
		return 0
	}
	return sub.albums.size()
}

// FloodWaitUntil returns the end of the longest FLOOD_WAIT pause in effect,
// or the zero time when requests are not paused.
func (c *Client) FloodWaitUntil() time.Time {
	until := c.history.FloodWaitUntil()
	if s := c.sends.FloodWaitUntil(); s.After(until) {
		until = s
	}
	if !until.After(time.Now()) {
		return time.Time{}
	}
	return until
}

// onMessage is the gotgproto update handler
func (c *Client) onMessage(_ *ext.Context, u *ext.Update) error {
	switch u.UpdateClass.(type) {
	case *tg.UpdateNewMessage, *tg.UpdateNewChannelMessage:
	default:
		// edits and deletions are not forwarded
		return nil
	}
	c.peers.addEntities(u.Entities)

	msg := u.EffectiveMessage
	if msg == nil || msg.Message == nil || msg.IsService {
		return nil
	}

	c.subMu.Lock()
	sub := c.sub
	c.subMu.Unlock()
	if sub == nil {
		return nil
	}

	c.deliver(sub, toSourceMessage(msg.Message))
	return nil
}

func (c *Client) deliver(sub *subscription, m models.SourceMessage) {
	if _, ok := sub.chats[m.ChatID]; !ok {
		return
	}
	if m.IsGrouped() {
		sub.albums.add(m)
		return
	}
	if sub.handlers.OnMessage != nil {
		sub.handlers.OnMessage(sub.ctx, m)
	}
}

// FetchHistory returns up to q.Limit messages older than the offsets
// and newer than q.MinID, newest first. Service messages are included
// without content so callers can page by id.
func (c *Client) FetchHistory(ctx context.Context, q forward.HistoryQuery) ([]models.SourceMessage, error) {
	peer, err := c.resolvePeer(ctx, q.ChatID)
	if err != nil {
		return nil, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = maxHistoryPage
	}

	var (
		out        []models.SourceMessage
		offsetID   = q.OffsetID
		offsetDate = q.OffsetDate
	)
	for len(out) < limit {
		n := min(limit-len(out), maxHistoryPage)
		page, err := c.getHistory(ctx, peer, offsetID, offsetDate, q.MinID, n)
		if err != nil {
			return nil, err
		}
		out = append(out, page.messages...)
		if page.raw < n || len(page.messages) == 0 {
			break
		}
		offsetID = page.messages[len(page.messages)-1].ID
		offsetDate = time.Time{}
	}
	return out, nil
}

func (c *Client) getHistory(ctx context.Context, peer tg.InputPeerClass, offsetID int, offsetDate time.Time, minID, limit int) (historyPage, error) {
	if err := c.history.Wait(ctx); err != nil {
		return historyPage{}, err
	}
	api, err := c.API()
	if err != nil {
		return historyPage{}, err
	}

	req := &tg.MessagesGetHistoryRequest{
		Peer:     peer,
		OffsetID: offsetID,
		MinID:    minID,
		Limit:    limit,
	}
	if !offsetDate.IsZero() {
		req.OffsetDate = int(offsetDate.Unix())
	}

	c.log.Debug().Int("offset_id", offsetID).Int("min_id", minID).Int("limit", limit).Msg("telegram: calling MessagesGetHistory API")
	res, err := api.MessagesGetHistory(ctx, req)
	if err != nil {
		if wait := floodWaitSeconds(err); wait > 0 {
			c.log.Warn().Int("wait_seconds", wait).Msg("telegram: FLOOD_WAIT in history read, pausing")
			c.history.SetFloodWait(wait)
		}
		return historyPage{}, fmt.Errorf("get history: %w", err)
	}

	page := extractHistory(res)
	c.peers.addChats(page.chats)
	c.peers.addUsers(page.users)
	return page, nil
}

// SendText posts a text message.
func (c *Client) SendText(ctx context.Context, chatID int64, text string, replyTo int) (models.SentMessage, error) {
	api, peer, err := c.prepareSend(ctx, chatID)
	if err != nil {
		return models.SentMessage{}, err
	}
	rid, err := randomID()
	if err != nil {
		return models.SentMessage{}, err
	}

	upd, err := api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
		Peer:     peer,
		Message:  text,
		RandomID: rid,
		ReplyTo:  replyHeader(replyTo),
	})
	if err != nil {
		return models.SentMessage{}, c.sendError("send message", err)
	}
	return c.single(chatID, upd, rid)
}

// SendMedia re-sends an attachment with an optional caption.
func (c *Client) SendMedia(ctx context.Context, chatID int64, media models.Media, caption string, replyTo int) (models.SentMessage, error) {
	input, err := inputMedia(media)
	if err != nil {
		return models.SentMessage{}, err
	}
	api, peer, err := c.prepareSend(ctx, chatID)
	if err != nil {
		return models.SentMessage{}, err
	}
	rid, err := randomID()
	if err != nil {
		return models.SentMessage{}, err
	}

	upd, err := api.MessagesSendMedia(ctx, &tg.MessagesSendMediaRequest{
		Peer:     peer,
		Media:    input,
		Message:  caption,
		RandomID: rid,
		ReplyTo:  replyHeader(replyTo),
	})
	if err != nil {
		return models.SentMessage{}, c.sendError("send media", err)
	}
	return c.single(chatID, upd, rid)
}

// SendAlbum re-sends attachments as one grouped post.
// Albums larger than the platform limit go out in several groups;
// the caption and reply belong to the first one.
func (c *Client) SendAlbum(ctx context.Context, chatID int64, media []models.Media, caption string, replyTo int) ([]models.SentMessage, error) {
	if len(media) == 0 {
		return nil, forward.ErrEmptyAlbum
	}

	inputs := make([]tg.InputMediaClass, 0, len(media))
	for _, m := range media {
		input, err := inputMedia(m)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, input)
	}

	out := make([]models.SentMessage, 0, len(media))
	for start := 0; start < len(inputs); start += maxAlbumSize {
		end := min(start+maxAlbumSize, len(inputs))

		api, peer, err := c.prepareSend(ctx, chatID)
		if err != nil {
			return out, err
		}

		items := make([]tg.InputSingleMedia, 0, end-start)
		rids := make([]int64, 0, end-start)
		for i := start; i < end; i++ {
			rid, err := randomID()
			if err != nil {
				return out, err
			}
			item := tg.InputSingleMedia{Media: inputs[i], RandomID: rid}
			if i == 0 {
				item.Message = caption
			}
			items = append(items, item)
			rids = append(rids, rid)
		}

		req := &tg.MessagesSendMultiMediaRequest{Peer: peer, MultiMedia: items}
		if start == 0 {
			req.ReplyTo = replyHeader(replyTo)
		}
		upd, err := api.MessagesSendMultiMedia(ctx, req)
		if err != nil {
			return out, c.sendError("send album", err)
		}
		ids, err := sentIDs(upd, rids)
		if err != nil {
			return out, err
		}
		for _, id := range ids {
			out = append(out, models.SentMessage{ChatID: chatID, ID: id})
		}
	}
	return out, nil
}

func (c *Client) prepareSend(ctx context.Context, chatID int64) (*tg.Client, tg.InputPeerClass, error) {
	if err := c.sends.Wait(ctx); err != nil {
		return nil, nil, err
	}
	api, err := c.API()
	if err != nil {
		return nil, nil, err
	}
	peer, err := c.resolvePeer(ctx, chatID)
	if err != nil {
		return nil, nil, err
	}
	return api, peer, nil
}

func (c *Client) single(chatID int64, upd tg.UpdatesClass, rid int64) (models.SentMessage, error) {
	ids, err := sentIDs(upd, []int64{rid})
	if err != nil {
		return models.SentMessage{}, err
	}
	return models.SentMessage{ChatID: chatID, ID: ids[0]}, nil
}

// sendError pauses further sends on FLOOD_WAIT
func (c *Client) sendError(op string, err error) error {
	if wait := floodWaitSeconds(err); wait > 0 {
		c.log.Warn().Int("wait_seconds", wait).Str("op", op).Msg("telegram: FLOOD_WAIT on send, pausing sends")
		c.sends.SetFloodWait(wait)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// resolvePeer finds the input peer of a chat, loading dialogs on a miss
func (c *Client) resolvePeer(ctx context.Context, chatID int64) (tg.InputPeerClass, error) {
	if p, ok := c.peers.get(chatID); ok {
		return p, nil
	}
	if err := c.refreshPeers(ctx, false); err != nil {
		return nil, err
	}
	if p, ok := c.peers.get(chatID); ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrPeerNotFound, chatID)
}

// refreshPeers pages through the dialog list and caches every peer.
// Unforced refreshes run at most once per peerRefreshInterval.
func (c *Client) refreshPeers(ctx context.Context, force bool) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	if !force && time.Since(c.refreshedAt) < peerRefreshInterval {
		return nil
	}
	api, err := c.API()
	if err != nil {
		return err
	}

	req := &tg.MessagesGetDialogsRequest{
		OffsetPeer: &tg.InputPeerEmpty{},
		Limit:      dialogsPageSize,
	}
	for page := 0; page < maxDialogPages; page++ {
		if err := c.history.Wait(ctx); err != nil {
			return err
		}
		res, err := api.MessagesGetDialogs(ctx, req)
		if err != nil {
			if wait := floodWaitSeconds(err); wait > 0 {
				c.history.SetFloodWait(wait)
			}
			return fmt.Errorf("get dialogs: %w", err)
		}

		var (
			dialogs  []tg.DialogClass
			messages []tg.MessageClass
			last     bool
		)
		switch d := res.(type) {
		case *tg.MessagesDialogs:
			c.peers.addChats(d.Chats)
			c.peers.addUsers(d.Users)
			dialogs, messages, last = d.Dialogs, d.Messages, true
		case *tg.MessagesDialogsSlice:
			c.peers.addChats(d.Chats)
			c.peers.addUsers(d.Users)
			dialogs, messages = d.Dialogs, d.Messages
		default:
			last = true
		}

		if last || len(dialogs) < dialogsPageSize || !c.nextDialogsOffset(req, dialogs, messages) {
			break
		}
	}

	c.refreshedAt = time.Now()
	c.log.Debug().Int("peers", c.peers.len()).Msg("telegram: dialogs loaded")
	return nil
}

// ListChats loads the dialog list and returns the chats it contains.
func (c *Client) ListChats(ctx context.Context) ([]ChatInfo, error) {
	if err := c.refreshPeers(ctx, true); err != nil {
		return nil, err
	}
	return c.peers.chats(), nil
}

// nextDialogsOffset points req after the last dialog of a page
func (c *Client) nextDialogsOffset(req *tg.MessagesGetDialogsRequest, dialogs []tg.DialogClass, messages []tg.MessageClass) bool {
	d, ok := dialogs[len(dialogs)-1].(*tg.Dialog)
	if !ok {
		return false
	}
	peerID := MarkedID(d.Peer)
	offsetPeer, ok := c.peers.get(peerID)
	if !ok {
		return false
	}

	for _, m := range messages {
		var (
			id, date int
			peer     tg.PeerClass
		)
		switch m := m.(type) {
		case *tg.Message:
			id, date, peer = m.ID, m.Date, m.PeerID
		case *tg.MessageService:
			id, date, peer = m.ID, m.Date, m.PeerID
		default:
			continue
		}
		if id == d.TopMessage && MarkedID(peer) == peerID {
			req.OffsetID = id
			req.OffsetDate = date
			req.OffsetPeer = offsetPeer
			return true
		}
	}
	return false
}

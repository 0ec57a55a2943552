// Package telegram implements platform.Session over MTProto using gotd/td.
// The session authenticates with a persisted session file generated by an
// interactive login outside this process; no code path here ever prompts.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"

	"github.com/chanvault/chanvault/internal/platform"
	"github.com/chanvault/chanvault/internal/platform/sessionfile"
)

// Client is the gotd-backed platform session. It owns the long-running MTProto
// connection goroutine; Connect blocks until authorization is verified or the
// attempt fails.
type Client struct {
	logger   *slog.Logger
	apiID    int
	apiHash  string
	sessions *sessionfile.Store

	connected atomic.Bool

	mu      sync.Mutex
	api     *tg.Client
	self    platform.Self
	handler platform.EventHandler
	stop    context.CancelFunc
	done    chan struct{}
	peers   map[string]tg.InputChannel
}

// NewClient creates a Client bound to the given MTProto application identity.
func NewClient(log *slog.Logger, apiID int, apiHash string, sessions *sessionfile.Store) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		logger:   log.With(slog.String("component", "telegram")),
		apiID:    apiID,
		apiHash:  apiHash,
		sessions: sessions,
		peers:    map[string]tg.InputChannel{},
	}
}

var errNotAuthorized = platform.Errorf(platform.KindCredentialInvalid, "telegram.connect",
	"session is not authorized for this api_id/api_hash (revoked or generated under a different application)")

// Connect resolves the session credential, starts the MTProto run loop, and
// waits until authorization is confirmed. The caller's context bounds the
// attempt; the established connection itself outlives it.
func (c *Client) Connect(ctx context.Context) error {
	if c.apiID == 0 || c.apiHash == "" {
		return platform.Errorf(platform.KindCredentialMissing, "telegram.connect", "api_id/api_hash not configured")
	}
	path, err := c.sessions.Resolve()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.done != nil {
		if c.connected.Load() {
			c.mu.Unlock()
			return nil
		}
		// A previous run loop is still winding down; replace it.
		c.closeLocked()
	}
	c.mu.Unlock()

	dispatcher := tg.NewUpdateDispatcher()
	dispatcher.OnNewChannelMessage(c.onChannelMessage)
	client := telegram.NewClient(c.apiID, c.apiHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: path},
		UpdateHandler:  dispatcher,
	})

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ready := make(chan error, 1)
	done := make(chan struct{})

	go func() {
		defer close(done)
		err := client.Run(runCtx, func(ctx context.Context) error {
			status, err := client.Auth().Status(ctx)
			if err != nil {
				ready <- classify("telegram.auth_status", err)
				return err
			}
			if !status.Authorized {
				ready <- errNotAuthorized
				return errNotAuthorized
			}
			self := platform.Self{}
			if status.User != nil {
				self = platform.Self{ID: status.User.ID, Username: status.User.Username, Bot: status.User.Bot}
			}
			c.mu.Lock()
			c.api = client.API()
			c.self = self
			c.mu.Unlock()
			c.connected.Store(true)
			ready <- nil
			<-ctx.Done()
			return ctx.Err()
		})
		c.connected.Store(false)
		if err != nil && runCtx.Err() == nil {
			c.logger.Warn("run loop exited", slog.Any("error", err))
			// Deliver the failure to a Connect call still waiting on ready.
			select {
			case ready <- classify("telegram.run", err):
			default:
			}
		}
	}()

	c.mu.Lock()
	c.stop = cancel
	c.done = done
	c.mu.Unlock()

	select {
	case err := <-ready:
		if err != nil {
			cancel()
			<-done
			return err
		}
		c.logger.Info("session connected",
			slog.String("session_file", path),
			slog.Int64("account_id", c.self.ID),
		)
		return nil
	case <-ctx.Done():
		cancel()
		<-done
		return platform.E(platform.KindNetworkTransient, "telegram.connect", ctx.Err())
	}
}

func (c *Client) closeLocked() {
	if c.stop != nil {
		c.stop()
	}
	if c.done != nil {
		done := c.done
		c.mu.Unlock()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
		c.mu.Lock()
	}
	c.stop = nil
	c.done = nil
	c.api = nil
	c.connected.Store(false)
}

// Close stops the run loop. Safe to call when never connected.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}

// Connected reports whether the MTProto transport is up.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Self returns the authenticated account identity.
func (c *Client) Self(ctx context.Context) (platform.Self, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected.Load() {
		return platform.Self{}, platform.Errorf(platform.KindNetworkTransient, "telegram.self", "session not connected")
	}
	return c.self, nil
}

// SubscribeEvents registers the live-message handler.
func (c *Client) SubscribeEvents(handler platform.EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

func (c *Client) apiHandle() (*tg.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api == nil || !c.connected.Load() {
		return nil, platform.Errorf(platform.KindNetworkTransient, "telegram.api", "session not connected")
	}
	return c.api, nil
}

func (c *Client) resolveChannel(ctx context.Context, api *tg.Client, username string) (tg.InputChannel, error) {
	c.mu.Lock()
	if peer, ok := c.peers[username]; ok {
		c.mu.Unlock()
		return peer, nil
	}
	c.mu.Unlock()

	resolved, err := api.ContactsResolveUsername(ctx, username)
	if err != nil {
		return tg.InputChannel{}, classify("telegram.resolve_channel", err)
	}
	for _, chat := range resolved.Chats {
		ch, ok := chat.(*tg.Channel)
		if !ok {
			continue
		}
		peer := tg.InputChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}
		c.mu.Lock()
		c.peers[username] = peer
		c.mu.Unlock()
		return peer, nil
	}
	return tg.InputChannel{}, platform.Errorf(platform.KindValidation, "telegram.resolve_channel",
		"%q did not resolve to a channel", username)
}

// historyRequest builds a getHistory request for the oldest unseen window
// above afterID. getHistory pages newest-first; anchoring offset_id at the
// cursor and pulling the window above it with a negative add_offset returns
// the limit messages immediately after the cursor rather than the newest
// ones, so a crash between batches loses at most the batch in flight.
func historyRequest(peer tg.InputChannel, afterID int64, limit int) *tg.MessagesGetHistoryRequest {
	return &tg.MessagesGetHistoryRequest{
		Peer:      &tg.InputPeerChannel{ChannelID: peer.ChannelID, AccessHash: peer.AccessHash},
		OffsetID:  int(afterID),
		AddOffset: -limit,
		MinID:     int(afterID),
		Limit:     limit,
	}
}

// FetchBatch returns up to limit messages with IDs greater than afterID,
// oldest first.
func (c *Client) FetchBatch(ctx context.Context, channel string, afterID int64, limit int) ([]platform.Message, error) {
	api, err := c.apiHandle()
	if err != nil {
		return nil, err
	}
	peer, err := c.resolveChannel(ctx, api, channel)
	if err != nil {
		return nil, err
	}
	history, err := api.MessagesGetHistory(ctx, historyRequest(peer, afterID, limit))
	if err != nil {
		return nil, classify("telegram.fetch_batch", err)
	}
	raw := extractMessages(history)
	result := make([]platform.Message, 0, len(raw))
	for _, m := range raw {
		// getHistory's min_id is not strictly honored by all server layers.
		if int64(m.ID) <= afterID {
			continue
		}
		result = append(result, toPlatformMessage(channel, m))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// DownloadByID streams the attachment of the given message into w.
func (c *Client) DownloadByID(ctx context.Context, channel string, messageID int64, w io.Writer) (int64, error) {
	api, err := c.apiHandle()
	if err != nil {
		return 0, err
	}
	peer, err := c.resolveChannel(ctx, api, channel)
	if err != nil {
		return 0, err
	}
	res, err := api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
		Channel: &peer,
		ID:      []tg.InputMessageClass{&tg.InputMessageID{ID: int(messageID)}},
	})
	if err != nil {
		return 0, classify("telegram.get_message", err)
	}
	var doc *tg.Document
	for _, m := range extractMessages(res) {
		if int64(m.ID) != messageID {
			continue
		}
		doc = documentOf(m)
		break
	}
	if doc == nil {
		return 0, platform.Errorf(platform.KindValidation, "telegram.download",
			"message %d in %q has no downloadable document", messageID, channel)
	}
	counter := &countingWriter{w: w}
	_, err = downloader.NewDownloader().Download(api, &tg.InputDocumentFileLocation{
		ID:            doc.ID,
		AccessHash:    doc.AccessHash,
		FileReference: doc.FileReference,
	}).Stream(ctx, counter)
	if err != nil {
		return counter.n, classify("telegram.download", err)
	}
	return counter.n, nil
}

func (c *Client) onChannelMessage(ctx context.Context, e tg.Entities, update *tg.UpdateNewChannelMessage) error {
	msg, ok := update.Message.(*tg.Message)
	if !ok {
		return nil
	}
	peerChannel, ok := msg.PeerID.(*tg.PeerChannel)
	if !ok {
		return nil
	}
	channelName := ""
	if ch, ok := e.Channels[peerChannel.ChannelID]; ok {
		channelName = ch.Username
		c.mu.Lock()
		if channelName != "" {
			c.peers[channelName] = tg.InputChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}
		}
		c.mu.Unlock()
	}
	if channelName == "" {
		channelName = fmt.Sprint(peerChannel.ChannelID)
	}
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler != nil {
		handler(ctx, toPlatformMessage(channelName, msg))
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func extractMessages(res tg.MessagesMessagesClass) []*tg.Message {
	var list []tg.MessageClass
	switch v := res.(type) {
	case *tg.MessagesChannelMessages:
		list = v.Messages
	case *tg.MessagesMessagesSlice:
		list = v.Messages
	case *tg.MessagesMessages:
		list = v.Messages
	default:
		return nil
	}
	out := make([]*tg.Message, 0, len(list))
	for _, item := range list {
		if m, ok := item.(*tg.Message); ok {
			out = append(out, m)
		}
	}
	return out
}

func documentOf(m *tg.Message) *tg.Document {
	media, ok := m.Media.(*tg.MessageMediaDocument)
	if !ok {
		return nil
	}
	doc, ok := media.Document.(*tg.Document)
	if !ok {
		return nil
	}
	return doc
}

func toPlatformMessage(channel string, m *tg.Message) platform.Message {
	out := platform.Message{
		ID:      int64(m.ID),
		Channel: channel,
		Date:    time.Unix(int64(m.Date), 0).UTC(),
		Text:    m.Message,
	}
	if doc := documentOf(m); doc != nil {
		att := &platform.Attachment{
			MimeType: doc.MimeType,
			Size:     doc.Size,
		}
		for _, attr := range doc.Attributes {
			if fn, ok := attr.(*tg.DocumentAttributeFilename); ok {
				att.FileName = fn.FileName
			}
		}
		if att.FileName == "" {
			att.FileName = fmt.Sprintf("message_%d", m.ID)
		}
		out.Attachment = att
	}
	return out
}

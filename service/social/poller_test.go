package social

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiplinehq/tipline/service/db"
	"github.com/tiplinehq/tipline/service/queue"
)

type fakeStore struct {
	mu        sync.Mutex
	processed map[string]struct{}
	bookmarks map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		processed: map[string]struct{}{},
		bookmarks: map[string]string{},
	}
}

func (s *fakeStore) MarkProcessed(ctx context.Context, platform, feed, messageID, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := platform + "/" + feed + "/" + messageID
	if _, ok := s.processed[key]; ok {
		return db.ErrAlreadyProcessed
	}
	s.processed[key] = struct{}{}
	return nil
}

func (s *fakeStore) GetBookmark(ctx context.Context, platform, feed string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.bookmarks[platform+"/"+feed]
	if !ok {
		return "", db.ErrNotFound
	}
	return v, nil
}

func (s *fakeStore) SetBookmark(ctx context.Context, platform, feed, lastID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bookmarks[platform+"/"+feed] = lastID
	return nil
}

type fakeClient struct {
	mu            sync.Mutex
	mentions      []Post
	conversations []Conversation
	searchDelay   time.Duration

	replies  []Post
	dms      []string
	replySeq int
}

func (c *fakeClient) SearchMentions(ctx context.Context, query string, limit int) ([]Post, error) {
	if c.searchDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.searchDelay):
		}
	}
	return c.mentions, nil
}

func (c *fakeClient) GetDirectMessageConversations(ctx context.Context, userID string) ([]Conversation, error) {
	return c.conversations, nil
}

func (c *fakeClient) PostReply(ctx context.Context, text, inReplyToID string) (*Post, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replySeq++
	post := Post{
		ID:          fmt.Sprintf("reply-%d", c.replySeq),
		Text:        text,
		InReplyToID: inReplyToID,
	}
	c.replies = append(c.replies, post)
	return &post, nil
}

func (c *fakeClient) SendDirectMessage(ctx context.Context, conversationID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dms = append(c.dms, conversationID+": "+text)
	return nil
}

func (c *fakeClient) GetProfile(ctx context.Context, username string) (*Profile, error) {
	return &Profile{ID: "profile-" + username, Username: username}, nil
}

type fakeHandler struct {
	mu       sync.Mutex
	mentions []Post
	dms      []DirectMessage
	reply    string
}

func (h *fakeHandler) HandleMention(ctx context.Context, post Post) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mentions = append(h.mentions, post)
	return h.reply, nil
}

func (h *fakeHandler) HandleDirectMessage(ctx context.Context, dm DirectMessage) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dms = append(h.dms, dm)
	return h.reply, nil
}

func testQueue(t *testing.T) *queue.Queue {
	t.Helper()
	return queue.New(queue.Policy{
		MaxAttempts: 1,
		BackoffBase: time.Millisecond,
		BackoffMax:  time.Millisecond,
	}, nil)
}

func newTestPoller(t *testing.T, client *fakeClient, store *fakeStore, handler *fakeHandler, cfg PollerConfig) *Poller {
	t.Helper()
	if cfg.BotUserID == "" {
		cfg.BotUserID = "bot-1"
	}
	if cfg.BotUsername == "" {
		cfg.BotUsername = "tipline"
	}
	if cfg.DMWindow == 0 {
		cfg.DMWindow = 5 * time.Minute
	}
	return NewPoller(client, store, testQueue(t), handler, cfg, nil, nil)
}

func TestPoller_MentionsProcessedExactlyOnce(t *testing.T) {
	client := &fakeClient{mentions: []Post{
		{ID: "100", AuthorID: "u1", Text: "send 1 sol to abc"},
		{ID: "101", AuthorID: "u2", Text: "help"},
	}}
	store := newFakeStore()
	handler := &fakeHandler{}
	p := newTestPoller(t, client, store, handler, PollerConfig{})

	ctx := context.Background()
	p.Tick(ctx)
	p.Tick(ctx) // same posts again

	require.Len(t, handler.mentions, 2)
	assert.Equal(t, "100", handler.mentions[0].ID)
	assert.Equal(t, "101", handler.mentions[1].ID)

	bookmark, err := store.GetBookmark(ctx, "twitter", "mentions")
	require.NoError(t, err)
	assert.Equal(t, "101", bookmark)
}

func TestPoller_MentionsAscendingOrder(t *testing.T) {
	client := &fakeClient{mentions: []Post{
		{ID: "9", AuthorID: "u1"},
		{ID: "300", AuthorID: "u2"},
		{ID: "12", AuthorID: "u3"},
	}}
	handler := &fakeHandler{}
	p := newTestPoller(t, client, newFakeStore(), handler, PollerConfig{})

	p.Tick(context.Background())

	require.Len(t, handler.mentions, 3)
	assert.Equal(t, []string{"9", "12", "300"},
		[]string{handler.mentions[0].ID, handler.mentions[1].ID, handler.mentions[2].ID})
}

func TestPoller_SkipsOwnPosts(t *testing.T) {
	client := &fakeClient{mentions: []Post{
		{ID: "100", AuthorID: "bot-1", Text: "thanks!"},
		{ID: "101", AuthorID: "u1", Text: "balance"},
	}}
	handler := &fakeHandler{}
	p := newTestPoller(t, client, newFakeStore(), handler, PollerConfig{})

	p.Tick(context.Background())

	require.Len(t, handler.mentions, 1)
	assert.Equal(t, "101", handler.mentions[0].ID)
}

func TestPoller_BookmarkFiltersOldPosts(t *testing.T) {
	store := newFakeStore()
	require.NoError(t, store.SetBookmark(context.Background(), "twitter", "mentions", "150"))

	client := &fakeClient{mentions: []Post{
		{ID: "100", AuthorID: "u1"},
		{ID: "150", AuthorID: "u2"},
		{ID: "200", AuthorID: "u3"},
	}}
	handler := &fakeHandler{}
	p := newTestPoller(t, client, store, handler, PollerConfig{Interval: time.Hour})

	err := p.Run(contextWithOneTick(t))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.Len(t, handler.mentions, 1)
	assert.Equal(t, "200", handler.mentions[0].ID)
}

// contextWithOneTick cancels shortly after the immediate first tick.
func contextWithOneTick(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	t.Cleanup(cancel)
	return ctx
}

func TestPoller_ReplyChunksThread(t *testing.T) {
	long := strings.Repeat("every payment needs a confirmation. ", 12) // > 280 chars
	client := &fakeClient{mentions: []Post{{ID: "100", AuthorID: "u1"}}}
	handler := &fakeHandler{reply: long}
	p := newTestPoller(t, client, newFakeStore(), handler, PollerConfig{})

	p.Tick(context.Background())

	require.Greater(t, len(client.replies), 1)
	assert.Equal(t, "100", client.replies[0].InReplyToID)
	for i := 1; i < len(client.replies); i++ {
		assert.Equal(t, client.replies[i-1].ID, client.replies[i].InReplyToID)
	}
	for _, r := range client.replies {
		assert.LessOrEqual(t, len(r.Text), MaxPostLength)
	}
}

func TestPoller_DMLatestInboundOnly(t *testing.T) {
	now := time.Now()
	client := &fakeClient{conversations: []Conversation{
		{
			ID: "bot-1-u9",
			Messages: []DirectMessage{
				{ID: "1", SenderID: "u9", RecipientID: "bot-1", Text: "old", CreatedAt: now.Add(-time.Hour)},
				{ID: "2", SenderID: "u9", RecipientID: "bot-1", Text: "first", CreatedAt: now.Add(-2 * time.Minute)},
				{ID: "3", SenderID: "bot-1", RecipientID: "u9", Text: "outbound", CreatedAt: now.Add(-90 * time.Second)},
				{ID: "4", SenderID: "u9", RecipientID: "bot-1", Text: "latest", CreatedAt: now.Add(-time.Minute)},
			},
		},
	}}
	handler := &fakeHandler{reply: "done"}
	p := newTestPoller(t, client, newFakeStore(), handler, PollerConfig{})

	ctx := context.Background()
	p.Tick(ctx)
	p.Tick(ctx) // same conversation again

	require.Len(t, handler.dms, 1)
	assert.Equal(t, "4", handler.dms[0].ID)
	require.Len(t, client.dms, 1)
	assert.Contains(t, client.dms[0], "bot-1-u9")
}

func TestPoller_SearchTimeoutReadsEmpty(t *testing.T) {
	client := &fakeClient{
		mentions:    []Post{{ID: "100", AuthorID: "u1"}},
		searchDelay: 500 * time.Millisecond,
	}
	handler := &fakeHandler{}
	p := newTestPoller(t, client, newFakeStore(), handler, PollerConfig{
		SearchTimeout: 20 * time.Millisecond,
	})

	p.Tick(context.Background())

	assert.Empty(t, handler.mentions)
}

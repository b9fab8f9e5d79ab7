package social

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/tiplinehq/tipline/service/db"
	"github.com/tiplinehq/tipline/service/metrics"
	"github.com/tiplinehq/tipline/service/queue"
)

const (
	feedMentions = "mentions"
	feedDM       = "dm"

	defaultSearchLimit = 20
)

// Handler processes one inbound message and returns the reply text, or empty
// when no reply should be sent.
type Handler interface {
	HandleMention(ctx context.Context, post Post) (string, error)
	HandleDirectMessage(ctx context.Context, dm DirectMessage) (string, error)
}

// Store is the subset of the database layer the poller needs: first-wins
// message claims and per-feed bookmarks.
type Store interface {
	MarkProcessed(ctx context.Context, platform, feed, messageID, payload string) error
	GetBookmark(ctx context.Context, platform, feed string) (string, error)
	SetBookmark(ctx context.Context, platform, feed, lastID string) error
}

// PollerConfig carries the identity and cadence settings for a poller.
type PollerConfig struct {
	Platform      string
	BotUserID     string
	BotUsername   string
	Interval      time.Duration
	SearchTimeout time.Duration
	DMWindow      time.Duration
	SearchLimit   int
}

// Poller drives the mention and direct-message feeds on a fixed cadence. It
// is the single writer for its feeds: ticks run sequentially and the next
// tick is not scheduled until the current one finishes.
type Poller struct {
	client  Client
	store   Store
	queue   *queue.Queue
	handler Handler
	cfg     PollerConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	lastMentionID string

	now func() time.Time
}

// NewPoller creates a poller. The queue serializes every platform call so the
// session is never hit concurrently.
func NewPoller(client Client, store Store, q *queue.Queue, handler Handler, cfg PollerConfig, m *metrics.Metrics, logger *slog.Logger) *Poller {
	if cfg.Platform == "" {
		cfg.Platform = "twitter"
	}
	if cfg.SearchLimit == 0 {
		cfg.SearchLimit = defaultSearchLimit
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Poller{
		client:  client,
		store:   store,
		queue:   q,
		handler: handler,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// Run polls until the context is canceled. The first tick fires immediately.
func (p *Poller) Run(ctx context.Context) error {
	bookmark, err := p.store.GetBookmark(ctx, p.cfg.Platform, feedMentions)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return err
	}
	p.lastMentionID = bookmark

	p.logger.InfoContext(ctx, "poller starting",
		"platform", p.cfg.Platform,
		"interval", p.cfg.Interval,
		"bookmark", bookmark,
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			p.Tick(ctx)
			timer.Reset(p.cfg.Interval)
		}
	}
}

// Tick runs one pass over both feeds.
func (p *Poller) Tick(ctx context.Context) {
	p.tickFeed(ctx, feedMentions, p.pollMentions)
	p.tickFeed(ctx, feedDM, p.pollDirectMessages)
}

func (p *Poller) tickFeed(ctx context.Context, feed string, poll func(context.Context) error) {
	start := p.now()
	err := poll(ctx)
	status := "success"
	if err != nil {
		status = "error"
		p.logger.ErrorContext(ctx, "poll tick failed", "feed", feed, "error", err)
	}
	if p.metrics != nil {
		p.metrics.RecordPollTick(feed, status, time.Since(start).Seconds())
	}
}

// pollMentions fetches new mentions, claims each exactly once, and hands them
// to the handler in ascending id order.
func (p *Poller) pollMentions(ctx context.Context) error {
	posts := p.searchMentions(ctx)
	if len(posts) == 0 {
		return nil
	}

	sort.Slice(posts, func(i, j int) bool { return lessID(posts[i].ID, posts[j].ID) })

	advanced := false
	for _, post := range posts {
		if post.AuthorID == p.cfg.BotUserID {
			p.skip(ctx, feedMentions, "own_post", post.ID)
			continue
		}
		if p.lastMentionID != "" && !lessID(p.lastMentionID, post.ID) {
			p.skip(ctx, feedMentions, "stale", post.ID)
			continue
		}

		// Claim before processing so a crash cannot double-dispatch.
		err := p.store.MarkProcessed(ctx, p.cfg.Platform, feedMentions, post.ID, post.Text)
		if errors.Is(err, db.ErrAlreadyProcessed) {
			p.skip(ctx, feedMentions, "already_processed", post.ID)
		} else if err != nil {
			p.logger.ErrorContext(ctx, "failed to claim mention", "post_id", post.ID, "error", err)
			continue
		} else {
			p.handleMention(ctx, post)
		}

		p.lastMentionID = post.ID
		advanced = true
	}

	if advanced {
		if err := p.store.SetBookmark(ctx, p.cfg.Platform, feedMentions, p.lastMentionID); err != nil {
			p.logger.ErrorContext(ctx, "failed to persist bookmark", "error", err)
		}
	}
	return nil
}

// searchMentions races the search against the configured timeout. A slow or
// failing search reads as an empty result; the next tick will catch up.
func (p *Poller) searchMentions(ctx context.Context) []Post {
	searchCtx := ctx
	if p.cfg.SearchTimeout > 0 {
		var cancel context.CancelFunc
		searchCtx, cancel = context.WithTimeout(ctx, p.cfg.SearchTimeout)
		defer cancel()
	}

	posts, err := queue.Do(p.queue, searchCtx, func(ctx context.Context) ([]Post, error) {
		return p.client.SearchMentions(ctx, "@"+p.cfg.BotUsername, p.cfg.SearchLimit)
	})
	if err != nil {
		p.logger.WarnContext(ctx, "mention search failed, treating as empty", "error", err)
		return nil
	}
	return posts
}

func (p *Poller) handleMention(ctx context.Context, post Post) {
	reply, err := p.handler.HandleMention(ctx, post)
	if err != nil {
		p.logger.ErrorContext(ctx, "mention handler failed",
			"post_id", post.ID,
			"author", post.AuthorUsername,
			"error", err,
		)
		return
	}
	if reply == "" {
		return
	}
	if err := p.Reply(ctx, post.ID, reply); err != nil {
		p.logger.ErrorContext(ctx, "failed to send reply", "post_id", post.ID, "error", err)
	}
}

// Reply posts the text as a chunked thread under the given post.
func (p *Poller) Reply(ctx context.Context, inReplyToID, text string) error {
	previousID := inReplyToID
	for _, chunk := range SplitMessage(text, MaxPostLength) {
		posted, err := queue.Do(p.queue, ctx, func(ctx context.Context) (*Post, error) {
			return p.client.PostReply(ctx, chunk, previousID)
		})
		if err != nil {
			return err
		}
		previousID = posted.ID
	}
	return nil
}

// pollDirectMessages picks up the latest inbound message from each recently
// active conversation.
func (p *Poller) pollDirectMessages(ctx context.Context) error {
	conversations, err := queue.Do(p.queue, ctx, func(ctx context.Context) ([]Conversation, error) {
		return p.client.GetDirectMessageConversations(ctx, p.cfg.BotUserID)
	})
	if err != nil {
		return err
	}

	cutoff := p.now().Add(-p.cfg.DMWindow)
	for _, convo := range conversations {
		latest, ok := latestInbound(convo, p.cfg.BotUserID, cutoff)
		if !ok {
			continue
		}

		err := p.store.MarkProcessed(ctx, p.cfg.Platform, feedDM, latest.ID, latest.Text)
		if errors.Is(err, db.ErrAlreadyProcessed) {
			p.skip(ctx, feedDM, "already_processed", latest.ID)
			continue
		}
		if err != nil {
			p.logger.ErrorContext(ctx, "failed to claim direct message", "message_id", latest.ID, "error", err)
			continue
		}

		p.handleDirectMessage(ctx, latest)
	}
	return nil
}

// latestInbound returns the newest message in the conversation that was sent
// to the bot within the window.
func latestInbound(convo Conversation, botUserID string, cutoff time.Time) (DirectMessage, bool) {
	var latest DirectMessage
	found := false
	for _, msg := range convo.Messages {
		if msg.RecipientID != botUserID || msg.CreatedAt.Before(cutoff) {
			continue
		}
		if !found || msg.CreatedAt.After(latest.CreatedAt) {
			latest = msg
			found = true
		}
	}
	return latest, found
}

func (p *Poller) handleDirectMessage(ctx context.Context, dm DirectMessage) {
	reply, err := p.handler.HandleDirectMessage(ctx, dm)
	if err != nil {
		p.logger.ErrorContext(ctx, "direct message handler failed",
			"message_id", dm.ID,
			"sender", dm.SenderUsername,
			"error", err,
		)
		return
	}
	if reply == "" {
		return
	}

	conversationID := dm.ConversationID
	if conversationID == "" {
		conversationID = ConversationID(p.cfg.BotUserID, dm.SenderID)
	}
	_, err = queue.Do(p.queue, ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.client.SendDirectMessage(ctx, conversationID, reply)
	})
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to send direct message", "message_id", dm.ID, "error", err)
	}
}

func (p *Poller) skip(ctx context.Context, feed, reason, id string) {
	p.logger.DebugContext(ctx, "skipping message", "feed", feed, "reason", reason, "id", id)
	if p.metrics != nil {
		p.metrics.RecordMessageSkipped(p.cfg.Platform, feed, reason)
	}
}

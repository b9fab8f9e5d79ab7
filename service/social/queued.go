package social

import (
	"context"

	"github.com/tiplinehq/tipline/service/queue"
)

// QueuedClient routes every platform call through a shared request queue so
// API access stays single-flight even when command handling (profile lookups,
// receiver notifications) runs concurrently with the pollers. Callers that
// already execute inside a task of the same queue must use the inner client
// directly, or the nested call never gets scheduled.
type QueuedClient struct {
	inner Client
	queue *queue.Queue
}

// NewQueuedClient wraps a platform client with the given queue.
func NewQueuedClient(inner Client, q *queue.Queue) *QueuedClient {
	return &QueuedClient{inner: inner, queue: q}
}

func (c *QueuedClient) SearchMentions(ctx context.Context, query string, limit int) ([]Post, error) {
	return queue.Do(c.queue, ctx, func(ctx context.Context) ([]Post, error) {
		return c.inner.SearchMentions(ctx, query, limit)
	})
}

func (c *QueuedClient) GetDirectMessageConversations(ctx context.Context, userID string) ([]Conversation, error) {
	return queue.Do(c.queue, ctx, func(ctx context.Context) ([]Conversation, error) {
		return c.inner.GetDirectMessageConversations(ctx, userID)
	})
}

func (c *QueuedClient) PostReply(ctx context.Context, text, inReplyToID string) (*Post, error) {
	return queue.Do(c.queue, ctx, func(ctx context.Context) (*Post, error) {
		return c.inner.PostReply(ctx, text, inReplyToID)
	})
}

func (c *QueuedClient) SendDirectMessage(ctx context.Context, conversationID, text string) error {
	_, err := queue.Do(c.queue, ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.inner.SendDirectMessage(ctx, conversationID, text)
	})
	return err
}

func (c *QueuedClient) GetProfile(ctx context.Context, username string) (*Profile, error) {
	return queue.Do(c.queue, ctx, func(ctx context.Context) (*Profile, error) {
		return c.inner.GetProfile(ctx, username)
	})
}

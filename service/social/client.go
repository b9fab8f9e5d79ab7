package social

import (
	"context"
	"sort"
	"strings"
)

// Client is an interface for the platform operations we need. This allows us
// to mock the platform layer in tests without a live session.
type Client interface {
	// SearchMentions returns recent posts matching the query, newest first.
	SearchMentions(ctx context.Context, query string, limit int) ([]Post, error)

	// GetDirectMessageConversations returns the DM conversations visible to
	// the given user.
	GetDirectMessageConversations(ctx context.Context, userID string) ([]Conversation, error)

	// PostReply publishes a reply to the given post and returns the created
	// post so callers can thread further replies under it.
	PostReply(ctx context.Context, text, inReplyToID string) (*Post, error)

	// SendDirectMessage sends a message into a conversation.
	SendDirectMessage(ctx context.Context, conversationID, text string) error

	// GetProfile looks up a user by username.
	GetProfile(ctx context.Context, username string) (*Profile, error)
}

// ConversationID derives the canonical DM conversation id for a pair of user
// ids. The platform orders the pair lexicographically.
func ConversationID(userIDA, userIDB string) string {
	ids := []string{userIDA, userIDB}
	sort.Strings(ids)
	return strings.Join(ids, "-")
}

// lessID orders numeric string ids (shorter means smaller, then
// lexicographic). Platform ids are decimal snowflakes, so this matches
// numeric order without overflowing.
func lessID(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

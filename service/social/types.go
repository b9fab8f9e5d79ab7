package social

import "time"

// Post is a public post that mentions the bot.
type Post struct {
	ID             string
	ConversationID string
	AuthorID       string
	AuthorUsername string
	Text           string
	InReplyToID    string
	CreatedAt      time.Time
}

// DirectMessage is a single message inside a DM conversation.
type DirectMessage struct {
	ID             string
	ConversationID string
	SenderID       string
	SenderUsername string
	RecipientID    string
	Text           string
	CreatedAt      time.Time
}

// Conversation groups the direct messages exchanged with one user.
type Conversation struct {
	ID       string
	Messages []DirectMessage
}

// Profile describes a platform user.
type Profile struct {
	ID       string
	Username string
	Name     string
	Bio      string
}

package social

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// TwitterClient implements Client against the Twitter API v2. Construct it
// with NewTwitterClient; the zero value is not usable.
type TwitterClient struct {
	baseURL     string
	bearerToken string
	httpClient  *http.Client
	logger      *slog.Logger

	// Session cookie state, present only after LoadSession.
	sessions SessionStore
	mu       sync.Mutex
	cookies  []Cookie
}

// twitterPlatform keys session cookies in the store.
const twitterPlatform = "twitter"

// TwitterAPIBaseURL is the production API host. Overridable for tests and
// proxies.
const TwitterAPIBaseURL = "https://api.twitter.com"

// NewTwitterClient creates a platform client authenticated with a bearer
// token. baseURL may be empty to use the production host.
func NewTwitterClient(baseURL, bearerToken string, logger *slog.Logger) *TwitterClient {
	if baseURL == "" {
		baseURL = TwitterAPIBaseURL
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &TwitterClient{
		baseURL:     baseURL,
		bearerToken: bearerToken,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		logger:      logger,
	}
}

// SearchMentions returns recent posts matching the query, oldest first is
// NOT guaranteed by the API; the poller sorts.
func (c *TwitterClient) SearchMentions(ctx context.Context, query string, limit int) ([]Post, error) {
	q := url.Values{}
	q.Set("query", query)
	q.Set("max_results", fmt.Sprintf("%d", limit))
	q.Set("tweet.fields", "author_id,conversation_id,created_at,in_reply_to_user_id")
	q.Set("expansions", "author_id")

	var out struct {
		Data []struct {
			ID             string    `json:"id"`
			Text           string    `json:"text"`
			AuthorID       string    `json:"author_id"`
			ConversationID string    `json:"conversation_id"`
			CreatedAt      time.Time `json:"created_at"`
		} `json:"data"`
		Includes struct {
			Users []struct {
				ID       string `json:"id"`
				Username string `json:"username"`
			} `json:"users"`
		} `json:"includes"`
	}
	if err := c.get(ctx, "/2/tweets/search/recent?"+q.Encode(), &out); err != nil {
		return nil, fmt.Errorf("search mentions: %w", err)
	}

	usernames := make(map[string]string, len(out.Includes.Users))
	for _, u := range out.Includes.Users {
		usernames[u.ID] = u.Username
	}

	posts := make([]Post, 0, len(out.Data))
	for _, tw := range out.Data {
		posts = append(posts, Post{
			ID:             tw.ID,
			ConversationID: tw.ConversationID,
			AuthorID:       tw.AuthorID,
			AuthorUsername: usernames[tw.AuthorID],
			Text:           tw.Text,
			CreatedAt:      tw.CreatedAt,
		})
	}
	return posts, nil
}

// GetDirectMessageConversations returns the recent DM events for the bot,
// grouped by conversation.
func (c *TwitterClient) GetDirectMessageConversations(ctx context.Context, userID string) ([]Conversation, error) {
	q := url.Values{}
	q.Set("dm_event.fields", "id,text,event_type,sender_id,dm_conversation_id,created_at")
	q.Set("event_types", "MessageCreate")

	var out struct {
		Data []struct {
			ID             string    `json:"id"`
			Text           string    `json:"text"`
			SenderID       string    `json:"sender_id"`
			ConversationID string    `json:"dm_conversation_id"`
			CreatedAt      time.Time `json:"created_at"`
		} `json:"data"`
	}
	if err := c.get(ctx, "/2/dm_events?"+q.Encode(), &out); err != nil {
		return nil, fmt.Errorf("list dm events: %w", err)
	}

	byConversation := make(map[string]*Conversation)
	order := make([]string, 0)
	for _, ev := range out.Data {
		conv, ok := byConversation[ev.ConversationID]
		if !ok {
			conv = &Conversation{ID: ev.ConversationID}
			byConversation[ev.ConversationID] = conv
			order = append(order, ev.ConversationID)
		}
		recipient := userID
		if ev.SenderID == userID {
			recipient = ""
		}
		conv.Messages = append(conv.Messages, DirectMessage{
			ID:             ev.ID,
			ConversationID: ev.ConversationID,
			SenderID:       ev.SenderID,
			RecipientID:    recipient,
			Text:           ev.Text,
			CreatedAt:      ev.CreatedAt,
		})
	}

	conversations := make([]Conversation, 0, len(order))
	for _, id := range order {
		conversations = append(conversations, *byConversation[id])
	}
	return conversations, nil
}

// PostReply publishes a reply to the given post.
func (c *TwitterClient) PostReply(ctx context.Context, text, inReplyToID string) (*Post, error) {
	body := map[string]any{"text": text}
	if inReplyToID != "" {
		body["reply"] = map[string]string{"in_reply_to_tweet_id": inReplyToID}
	}

	var out struct {
		Data struct {
			ID   string `json:"id"`
			Text string `json:"text"`
		} `json:"data"`
	}
	if err := c.post(ctx, "/2/tweets", body, &out); err != nil {
		return nil, fmt.Errorf("post reply: %w", err)
	}
	return &Post{ID: out.Data.ID, Text: out.Data.Text, InReplyToID: inReplyToID}, nil
}

// SendDirectMessage sends a message into an existing conversation.
func (c *TwitterClient) SendDirectMessage(ctx context.Context, conversationID, text string) error {
	body := map[string]string{"text": text}
	path := fmt.Sprintf("/2/dm_conversations/%s/messages", url.PathEscape(conversationID))
	if err := c.post(ctx, path, body, nil); err != nil {
		return fmt.Errorf("send direct message: %w", err)
	}
	return nil
}

// GetProfile looks a user up by username.
func (c *TwitterClient) GetProfile(ctx context.Context, username string) (*Profile, error) {
	q := url.Values{}
	q.Set("user.fields", "id,name,username,description")

	var out struct {
		Data struct {
			ID          string `json:"id"`
			Username    string `json:"username"`
			Name        string `json:"name"`
			Description string `json:"description"`
		} `json:"data"`
	}
	path := fmt.Sprintf("/2/users/by/username/%s?%s", url.PathEscape(username), q.Encode())
	if err := c.get(ctx, path, &out); err != nil {
		return nil, fmt.Errorf("get profile %s: %w", username, err)
	}
	if out.Data.ID == "" {
		return nil, fmt.Errorf("profile %s not found", username)
	}
	return &Profile{
		ID:       out.Data.ID,
		Username: out.Data.Username,
		Name:     out.Data.Name,
		Bio:      out.Data.Description,
	}, nil
}

// LoadSession restores persisted session cookies from the store and keeps
// the store for refreshes. Cookies are provisioned out-of-band; the client
// only sends them and persists whatever the platform rotates via Set-Cookie,
// so a session survives restarts without a fresh login.
func (c *TwitterClient) LoadSession(ctx context.Context, sessions SessionStore) error {
	cookies, err := LoadCookies(ctx, sessions, twitterPlatform)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	c.mu.Lock()
	c.sessions = sessions
	c.cookies = cookies
	c.mu.Unlock()
	if len(cookies) > 0 {
		c.logger.InfoContext(ctx, "restored platform session", "cookies", len(cookies))
	}
	return nil
}

// cookieHeader renders the current session cookies as a Cookie header value,
// or "" when no session is loaded.
func (c *TwitterClient) cookieHeader() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.cookies) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(c.cookies))
	for _, ck := range c.cookies {
		pairs = append(pairs, ck.Key+"="+ck.Value)
	}
	return strings.Join(pairs, "; ")
}

// refreshSession merges rotated cookies into the session and persists it.
// Best effort; a failed save only costs a re-rotation next time.
func (c *TwitterClient) refreshSession(ctx context.Context, rotated []*http.Cookie) {
	if len(rotated) == 0 {
		return
	}
	c.mu.Lock()
	if c.sessions == nil {
		c.mu.Unlock()
		return
	}
	for _, hc := range rotated {
		ck := Cookie{
			Key:      hc.Name,
			Value:    hc.Value,
			Domain:   hc.Domain,
			Path:     hc.Path,
			Secure:   hc.Secure,
			HTTPOnly: hc.HttpOnly,
			SameSite: sameSiteString(hc.SameSite),
		}
		replaced := false
		for i := range c.cookies {
			if c.cookies[i].Key == ck.Key {
				c.cookies[i] = ck
				replaced = true
				break
			}
		}
		if !replaced {
			c.cookies = append(c.cookies, ck)
		}
	}
	snapshot := append([]Cookie(nil), c.cookies...)
	sessions := c.sessions
	c.mu.Unlock()

	if err := SaveCookies(ctx, sessions, twitterPlatform, snapshot); err != nil {
		c.logger.WarnContext(ctx, "failed to persist rotated session cookies", "error", err)
	}
}

func sameSiteString(s http.SameSite) string {
	switch s {
	case http.SameSiteStrictMode:
		return "Strict"
	case http.SameSiteNoneMode:
		return "None"
	case http.SameSiteLaxMode:
		return "Lax"
	default:
		return ""
	}
}

func (c *TwitterClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *TwitterClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *TwitterClient) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	if header := c.cookieHeader(); header != "" {
		req.Header.Set("Cookie", header)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	c.refreshSession(req.Context(), resp.Cookies())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("api returned status %d: %s", resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

package social

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tiplinehq/tipline/service/db"
)

// SessionStore persists platform session cookies between restarts so the bot
// does not have to log in from scratch every deploy.
type SessionStore interface {
	SaveSessionCookies(ctx context.Context, platform string, cookies []byte) error
	LoadSessionCookies(ctx context.Context, platform string) ([]byte, error)
}

// Cookie is one session cookie in the shape the platform client expects.
type Cookie struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	Domain   string `json:"domain"`
	Path     string `json:"path"`
	Secure   bool   `json:"secure"`
	HTTPOnly bool   `json:"httpOnly"`
	SameSite string `json:"sameSite"`
}

// SaveCookies serializes and stores the session cookies for a platform.
func SaveCookies(ctx context.Context, store SessionStore, platform string, cookies []Cookie) error {
	raw, err := json.Marshal(cookies)
	if err != nil {
		return fmt.Errorf("encode cookies: %w", err)
	}
	return store.SaveSessionCookies(ctx, platform, raw)
}

// LoadCookies returns the stored session cookies, or nil when none exist.
func LoadCookies(ctx context.Context, store SessionStore, platform string) ([]Cookie, error) {
	raw, err := store.LoadSessionCookies(ctx, platform)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cookies []Cookie
	if err := json.Unmarshal(raw, &cookies); err != nil {
		return nil, fmt.Errorf("decode cookies: %w", err)
	}
	return cookies, nil
}

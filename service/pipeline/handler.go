package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/tiplinehq/tipline/service/db"
	"github.com/tiplinehq/tipline/service/intent"
	"github.com/tiplinehq/tipline/service/metrics"
	"github.com/tiplinehq/tipline/service/social"
	"github.com/tiplinehq/tipline/service/wallet"
)

// Account commands are matched before the financial parser runs. The
// create/activate pattern tolerates the common typos people actually type.
var (
	balanceRe = regexp.MustCompile(`(?i)\b(?:get(?:\s+me)?|check|show|see|what(?:'|’)?s|what\s+is|can\s+you\s+get|i\s+want\s+to\s+see)?\s*(?:my\s*)?(?:(solana|sol|ethereum|mantle)\s+)?balance(?:\s*(?:on|of|for)?\s*(solana|sol|ethereum|eth|mantle))?\b`)

	createAccountRe = regexp.MustCompile(`(?i)\b(?:(?:c(?:rea|ret|re)te?|a(?:ctiv|ctvat|ctiv)ate?)(?: (?:my )?(?:new )?account)?|i want (?:to )?(?:c(?:rea|ret|re)te?|a(?:ctiv|ctvat|ctiv)ate?)(?:(?: a)?(?: new)?(?: my)? account)?)\b`)

	walletRe = regexp.MustCompile(`(?i)\b(?:get(?:\s+me)?|show|see|what(?:'|’)?s|what\s+is|can\s+you\s+show|i\s+want\s+to\s+see|give(?:\s+me)?)?\s*(?:my\s*)?(?:wallet(?:\s+address)?|wallet\s+addr|walletaddr|walletaddress)\b`)
)

// AccountStore is the subset of the database layer the handler needs.
type AccountStore interface {
	UserStore
	ActivateUser(ctx context.Context, userID string) (*db.User, error)
}

// Handler turns inbound posts and direct messages into replies. It owns the
// account lifecycle (create, activate, balances, wallet info) and hands
// financial commands to the parser and dispatcher.
type Handler struct {
	store      AccountStore
	keystore   wallet.Keystore
	parser     *intent.Parser
	resolver   *Resolver
	dispatcher *Dispatcher
	metrics    *metrics.Metrics
	logger     *slog.Logger

	platform     string
	appURL       string
	promptDocURL string
}

// HandlerConfig collects the dependencies of a Handler. Metrics may be nil.
type HandlerConfig struct {
	Store        AccountStore
	Keystore     wallet.Keystore
	Parser       *intent.Parser
	Resolver     *Resolver
	Dispatcher   *Dispatcher
	Metrics      *metrics.Metrics
	Platform     string
	AppURL       string
	PromptDocURL string
}

// NewHandler creates a message handler.
func NewHandler(cfg HandlerConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{
		store:        cfg.Store,
		keystore:     cfg.Keystore,
		parser:       cfg.Parser,
		resolver:     cfg.Resolver,
		dispatcher:   cfg.Dispatcher,
		metrics:      cfg.Metrics,
		logger:       logger,
		platform:     cfg.Platform,
		appURL:       cfg.AppURL,
		promptDocURL: cfg.PromptDocURL,
	}
}

// HandleMention processes a public mention of the bot.
func (h *Handler) HandleMention(ctx context.Context, post social.Post) (string, error) {
	return h.handle(ctx, post.AuthorID, post.AuthorUsername, post.Text)
}

// HandleDirectMessage processes an inbound direct message.
func (h *Handler) HandleDirectMessage(ctx context.Context, dm social.DirectMessage) (string, error) {
	return h.handle(ctx, dm.SenderID, dm.SenderUsername, dm.Text)
}

// HandlePrompt processes a command submitted directly through the API. It
// follows the same rules as a direct message, so accounts created this way
// are active immediately.
func (h *Handler) HandlePrompt(ctx context.Context, userID, username, prompt string) (string, error) {
	return h.handle(ctx, userID, username, prompt)
}

func (h *Handler) handle(ctx context.Context, userID, username, text string) (string, error) {
	normalized := intent.Normalize(text)

	createMatch := createAccountRe.MatchString(normalized)
	balanceMatch := balanceRe.FindStringSubmatch(strings.ToLower(normalized))
	walletMatch := walletRe.MatchString(strings.ToLower(normalized))

	user, err := h.store.GetUser(ctx, userID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return "", fmt.Errorf("look up user %s: %w", userID, err)
	}

	if user == nil || !user.Active {
		if createMatch {
			return h.createOrActivate(ctx, user, userID, username)
		}
		return fmt.Sprintf("Please go to %s or send a direct message to create/activate your account to use this bot", h.appURL), nil
	}

	if balanceMatch != nil {
		raw := balanceMatch[1]
		if raw == "" {
			raw = balanceMatch[2]
		}
		return h.dispatcher.Balances(ctx, user, normalizeChain(raw))
	}

	if createMatch || walletMatch {
		return "Your Account:\n\nEVM ADDRESS:\n" + user.EVMAddress, nil
	}

	parsed := h.parser.Parse(normalized)
	if parsed == nil {
		h.recordParsed("unknown", "unparsed")
		return fmt.Sprintf("Hi, if you’re trying to use a command or just curious how I work, you can check out the available prompts and formats here:👉  %s", h.promptDocURL), nil
	}
	h.recordParsed(string(parsed.Action), "ok")

	var recv *ResolvedReceiver
	if parsed.Receiver != nil {
		recv, err = h.resolver.Resolve(ctx, parsed.Receiver, parsed.Chain)
		if errors.Is(err, ErrReceiverNotFound) {
			return fmt.Sprintf("Could not find receiver %s.", parsed.Receiver.Value), nil
		}
		if err != nil {
			return "", fmt.Errorf("resolve receiver %s: %w", parsed.Receiver.Value, err)
		}
	}

	keys, err := h.unsealKeys(user)
	if err != nil {
		return "", err
	}

	return h.dispatcher.Dispatch(ctx, user, keys, parsed, recv, text)
}

func (h *Handler) createOrActivate(ctx context.Context, user *db.User, userID, username string) (string, error) {
	if user != nil {
		updated, err := h.store.ActivateUser(ctx, user.UserID)
		if err != nil {
			return "", fmt.Errorf("activate user %s: %w", user.UserID, err)
		}
		return "Account Activated\n\nEVM ADDRESS:\n" + updated.EVMAddress, nil
	}

	created, err := provisionUser(ctx, h.store, h.keystore, userID, username, true)
	if err != nil {
		return "", fmt.Errorf("create user %s: %w", userID, err)
	}
	return "Account created\n\nEVM ADDRESS:\n" + created.EVMAddress, nil
}

func (h *Handler) unsealKeys(user *db.User) (Keys, error) {
	evmKey, err := h.keystore.Unseal(user.EVMKeySealed)
	if err != nil {
		return Keys{}, fmt.Errorf("unseal evm key for %s: %w", user.UserID, err)
	}
	solKey, err := h.keystore.Unseal(user.SolanaKeySealed)
	if err != nil {
		return Keys{}, fmt.Errorf("unseal solana key for %s: %w", user.UserID, err)
	}
	return Keys{EVM: evmKey, Solana: solKey}, nil
}

func (h *Handler) recordParsed(action, status string) {
	if h.metrics != nil {
		h.metrics.RecordCommandParsed(h.platform, action, status)
	}
}

func normalizeChain(raw string) string {
	switch strings.ToLower(raw) {
	case "sol", "solana":
		return "solana"
	case "eth", "ethereum":
		return "ethereum"
	case "mantle":
		return "mantle"
	}
	return ""
}

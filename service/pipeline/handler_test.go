package pipeline

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiplinehq/tipline/service/db"
	"github.com/tiplinehq/tipline/service/evm"
	"github.com/tiplinehq/tipline/service/intent"
	tiplinenats "github.com/tiplinehq/tipline/service/nats"
	"github.com/tiplinehq/tipline/service/social"
	"github.com/tiplinehq/tipline/service/wallet"
)

type fakeStore struct {
	mu            sync.Mutex
	users         map[string]*db.User
	txns          []db.CreateTransactionParams
	createTxnErr  error
	activateCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: map[string]*db.User{}}
}

func (s *fakeStore) GetUser(ctx context.Context, userID string) (*db.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *fakeStore) CreateUser(ctx context.Context, params db.CreateUserParams) (*db.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.users[params.UserID]; ok {
		cp := *existing
		return &cp, nil
	}
	u := &db.User{
		UserID:          params.UserID,
		Username:        params.Username,
		EVMAddress:      params.EVMAddress,
		EVMKeySealed:    params.EVMKeySealed,
		SolanaAddress:   params.SolanaAddress,
		SolanaKeySealed: params.SolanaKeySealed,
		Active:          params.Active,
	}
	s.users[params.UserID] = u
	cp := *u
	return &cp, nil
}

func (s *fakeStore) ActivateUser(ctx context.Context, userID string) (*db.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activateCalls++
	u, ok := s.users[userID]
	if !ok {
		return nil, db.ErrNotFound
	}
	u.Active = true
	cp := *u
	return &cp, nil
}

func (s *fakeStore) CreateTransaction(ctx context.Context, params db.CreateTransactionParams) (*db.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createTxnErr != nil {
		return nil, s.createTxnErr
	}
	for _, prev := range s.txns {
		if prev.TxHash == params.TxHash && prev.Chain == params.Chain {
			return nil, db.ErrAlreadyRecorded
		}
	}
	s.txns = append(s.txns, params)
	return &db.Transaction{
		ID:              int64(len(s.txns)),
		UserID:          params.UserID,
		Type:            params.Type,
		Chain:           params.Chain,
		Amount:          params.Amount,
		TokenAddress:    params.TokenAddress,
		TokenType:       params.TokenType,
		ReceiverValue:   params.ReceiverValue,
		ReceiverType:    params.ReceiverType,
		ReceiverUserID:  params.ReceiverUserID,
		TxHash:          params.TxHash,
		Platform:        params.Platform,
		OriginalCommand: params.OriginalCommand,
	}, nil
}

type fakeEVMChain struct {
	chain    string
	native   *big.Float
	stables  map[string]*big.Float
	sendErr  error
	sent     []string
	lastTo   string
	lastAmt  string
	lastSym  string
	nextHash string
}

func (c *fakeEVMChain) Chain() string { return c.chain }

func (c *fakeEVMChain) NativeBalance(ctx context.Context, address string) (*big.Float, error) {
	if c.native == nil {
		return big.NewFloat(0), nil
	}
	return c.native, nil
}

func (c *fakeEVMChain) StableBalance(ctx context.Context, address, symbol string) (*big.Float, error) {
	if b, ok := c.stables[symbol]; ok {
		return b, nil
	}
	return big.NewFloat(0), nil
}

func (c *fakeEVMChain) SendNative(ctx context.Context, privateKeyHex, to, amount string) (string, error) {
	if c.sendErr != nil {
		return "", c.sendErr
	}
	c.lastTo, c.lastAmt = to, amount
	c.sent = append(c.sent, c.nextHash)
	return c.nextHash, nil
}

func (c *fakeEVMChain) SendStable(ctx context.Context, privateKeyHex, symbol, to, amount string) (string, error) {
	if c.sendErr != nil {
		return "", c.sendErr
	}
	c.lastTo, c.lastAmt, c.lastSym = to, amount, symbol
	c.sent = append(c.sent, c.nextHash)
	return c.nextHash, nil
}

func (c *fakeEVMChain) ExplorerURL(txHash string) string {
	return "https://explorer.test/" + c.chain + "/tx/" + txHash
}

type fakeSolChain struct {
	sol     *big.Float
	stables map[string]*big.Float
	sendErr error
	sent    []string
	lastTo  string
	lastAmt string
	nextSig string
}

func (c *fakeSolChain) SOLBalance(ctx context.Context, address string) (*big.Float, error) {
	if c.sol == nil {
		return big.NewFloat(0), nil
	}
	return c.sol, nil
}

func (c *fakeSolChain) StableBalance(ctx context.Context, address, symbol string) (*big.Float, error) {
	if b, ok := c.stables[symbol]; ok {
		return b, nil
	}
	return big.NewFloat(0), nil
}

func (c *fakeSolChain) SendSOL(ctx context.Context, privateKeyBase58, to, amount string) (string, error) {
	if c.sendErr != nil {
		return "", c.sendErr
	}
	c.lastTo, c.lastAmt = to, amount
	c.sent = append(c.sent, c.nextSig)
	return c.nextSig, nil
}

func (c *fakeSolChain) SendStable(ctx context.Context, privateKeyBase58, symbol, to, amount string) (string, error) {
	if c.sendErr != nil {
		return "", c.sendErr
	}
	c.lastTo, c.lastAmt = to, amount
	c.sent = append(c.sent, c.nextSig)
	return c.nextSig, nil
}

type fakeTrader struct {
	buyErr  error
	sellErr error
	nextSig string
	buys    int
	sells   int
}

func (t *fakeTrader) BuyToken(ctx context.Context, privateKeyBase58, tokenMint, amount string) (string, error) {
	t.buys++
	if t.buyErr != nil {
		return "", t.buyErr
	}
	return t.nextSig, nil
}

func (t *fakeTrader) SellToken(ctx context.Context, privateKeyBase58, tokenMint, percent string) (string, error) {
	t.sells++
	if t.sellErr != nil {
		return "", t.sellErr
	}
	return t.nextSig, nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
	convos   []string
}

func (n *fakeNotifier) SendDirectMessage(ctx context.Context, conversationID, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.convos = append(n.convos, conversationID)
	n.messages = append(n.messages, text)
	return nil
}

type fakeNames struct {
	addresses map[string]string
	err       error
}

func (n *fakeNames) Resolve(ctx context.Context, name string) (string, error) {
	if n.err != nil {
		return "", n.err
	}
	addr, ok := n.addresses[name]
	if !ok {
		return "", evm.ErrNameNotRegistered
	}
	return addr, nil
}

type fakeProfiles struct {
	profiles map[string]*social.Profile
}

func (p *fakeProfiles) GetProfile(ctx context.Context, username string) (*social.Profile, error) {
	profile, ok := p.profiles[username]
	if !ok {
		return nil, errors.New("profile not found")
	}
	return profile, nil
}

type testEnv struct {
	store    *fakeStore
	eth      *fakeEVMChain
	mantle   *fakeEVMChain
	sol      *fakeSolChain
	trader   *fakeTrader
	notifier *fakeNotifier
	events   *tiplinenats.MockPublisher
	names    *fakeNames
	profiles *fakeProfiles
	keystore wallet.Keystore
	handler  *Handler
	disp     *Dispatcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		store:    newFakeStore(),
		eth:      &fakeEVMChain{chain: "ethereum", nextHash: "0xethhash"},
		mantle:   &fakeEVMChain{chain: "mantle", nextHash: "0xmnthash"},
		sol:      &fakeSolChain{nextSig: "5solSig"},
		trader:   &fakeTrader{nextSig: "5swapSig"},
		notifier: &fakeNotifier{},
		events:   tiplinenats.NewMockPublisher(),
		names:    &fakeNames{addresses: map[string]string{}},
		profiles: &fakeProfiles{profiles: map[string]*social.Profile{}},
		keystore: wallet.NewKeystore("test-passphrase"),
	}

	env.disp = NewDispatcher(DispatcherConfig{
		EVMChains: []EVMChain{env.eth, env.mantle},
		Solana:    env.sol,
		Trader:    env.trader,
		Store:     env.store,
		Notifier:  env.notifier,
		Events:    env.events,
		Platform:  "twitter",
		BotUserID: "bot-1",
	}, nil)
	env.disp.reconcile = func(ctx context.Context, sig solanago.Signature) (bool, error) {
		return false, errors.New("reconcile not configured")
	}

	resolver := NewResolver(env.names, env.profiles, env.store, env.keystore, "", "", nil)

	env.handler = NewHandler(HandlerConfig{
		Store:        env.store,
		Keystore:     env.keystore,
		Parser:       intent.NewParser("mantle"),
		Resolver:     resolver,
		Dispatcher:   env.disp,
		Platform:     "twitter",
		AppURL:       "https://app.tipline.test",
		PromptDocURL: "https://docs.tipline.test/prompts",
	}, nil)

	return env
}

// addActiveUser seeds an active user with real sealed keypairs.
func (env *testEnv) addActiveUser(t *testing.T, userID, username string) *db.User {
	t.Helper()
	user, err := provisionUser(context.Background(), env.store, env.keystore, userID, username, true)
	require.NoError(t, err)
	return user
}

func TestHandler_CreateAccount_NewUser(t *testing.T) {
	env := newTestEnv(t)

	reply, err := env.handler.HandleDirectMessage(context.Background(), social.DirectMessage{
		SenderID:       "u1",
		SenderUsername: "alice",
		Text:           "create account",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(reply, "Account created\n\nEVM ADDRESS:\n0x"), reply)

	user, err := env.store.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, user.Active)
	assert.NotEmpty(t, user.SolanaAddress)

	// The sealed keys must round-trip through the keystore.
	_, err = env.keystore.Unseal(user.EVMKeySealed)
	require.NoError(t, err)
}

func TestHandler_CreateAccount_TypoVariants(t *testing.T) {
	env := newTestEnv(t)

	for i, text := range []string{
		"create account",
		"i want to create account",
		"crete my account",
		"activate",
	} {
		reply, err := env.handler.HandleDirectMessage(context.Background(), social.DirectMessage{
			SenderID:       "u" + string(rune('a'+i)),
			SenderUsername: "user",
			Text:           text,
		})
		require.NoError(t, err, text)
		assert.Contains(t, reply, "Account created", text)
	}
}

func TestHandler_ActivateExistingUser(t *testing.T) {
	env := newTestEnv(t)
	user, err := provisionUser(context.Background(), env.store, env.keystore, "u1", "alice", false)
	require.NoError(t, err)
	require.False(t, user.Active)

	reply, err := env.handler.HandleDirectMessage(context.Background(), social.DirectMessage{
		SenderID: "u1",
		Text:     "activate my account",
	})
	require.NoError(t, err)
	assert.Equal(t, "Account Activated\n\nEVM ADDRESS:\n"+user.EVMAddress, reply)
	assert.Equal(t, 1, env.store.activateCalls)
}

func TestHandler_InactiveUserGetsOnboardingReply(t *testing.T) {
	env := newTestEnv(t)

	reply, err := env.handler.HandleMention(context.Background(), social.Post{
		AuthorID: "stranger",
		Text:     "send 1 sol to @bob",
	})
	require.NoError(t, err)
	assert.Contains(t, reply, "https://app.tipline.test")
	assert.Contains(t, reply, "create/activate your account")
	assert.Empty(t, env.sol.sent)
}

func TestHandler_BalanceSpecificChain(t *testing.T) {
	env := newTestEnv(t)
	env.addActiveUser(t, "u1", "alice")
	env.sol.sol = big.NewFloat(1.5)
	env.sol.stables = map[string]*big.Float{"usdc": big.NewFloat(25)}

	reply, err := env.handler.HandleDirectMessage(context.Background(), social.DirectMessage{
		SenderID: "u1",
		Text:     "check my balance on solana",
	})
	require.NoError(t, err)
	assert.Contains(t, reply, "BALANCE:")
	assert.Contains(t, reply, "chain: solana")
	assert.Contains(t, reply, "1.5 - SOL")
	assert.Contains(t, reply, "25 - USDC")
	assert.NotContains(t, reply, "ethereum")
}

func TestHandler_BalanceAllChains(t *testing.T) {
	env := newTestEnv(t)
	env.addActiveUser(t, "u1", "alice")
	env.eth.native = big.NewFloat(0.25)
	env.mantle.native = big.NewFloat(10)
	env.sol.sol = big.NewFloat(2)

	reply, err := env.handler.HandleDirectMessage(context.Background(), social.DirectMessage{
		SenderID: "u1",
		Text:     "balance",
	})
	require.NoError(t, err)
	assert.Contains(t, reply, "chain: solana")
	assert.Contains(t, reply, "chain: ethereum")
	assert.Contains(t, reply, "chain: mantle")
	assert.Contains(t, reply, "0.25 - ETH")
	assert.Contains(t, reply, "10 - MNT")
}

func TestHandler_WalletInfo(t *testing.T) {
	env := newTestEnv(t)
	user := env.addActiveUser(t, "u1", "alice")

	reply, err := env.handler.HandleDirectMessage(context.Background(), social.DirectMessage{
		SenderID: "u1",
		Text:     "show my wallet address",
	})
	require.NoError(t, err)
	assert.Equal(t, "Your Account:\n\nEVM ADDRESS:\n"+user.EVMAddress, reply)
}

func TestHandler_UnparsedCommandGetsHelp(t *testing.T) {
	env := newTestEnv(t)
	env.addActiveUser(t, "u1", "alice")

	reply, err := env.handler.HandleDirectMessage(context.Background(), social.DirectMessage{
		SenderID: "u1",
		Text:     "hello there, how are you?",
	})
	require.NoError(t, err)
	assert.Contains(t, reply, "https://docs.tipline.test/prompts")
}

func TestHandler_SendNative_WalletReceiver(t *testing.T) {
	env := newTestEnv(t)
	env.addActiveUser(t, "u1", "alice")
	to := "0x1111111111111111111111111111111111111111"

	reply, err := env.handler.HandleMention(context.Background(), social.Post{
		AuthorID: "u1",
		Text:     "send 0.5 eth to " + to,
	})
	require.NoError(t, err)
	assert.Equal(t, "https://explorer.test/ethereum/tx/0xethhash", reply)
	assert.Equal(t, to, env.eth.lastTo)
	assert.Equal(t, "0.5", env.eth.lastAmt)

	require.Len(t, env.store.txns, 1)
	txn := env.store.txns[0]
	assert.Equal(t, "send", txn.Type)
	assert.Equal(t, "ethereum", txn.Chain)
	assert.Equal(t, "0xethhash", txn.TxHash)
	assert.Equal(t, "twitter", txn.Platform)

	// Wallet receivers do not get a DM.
	assert.Empty(t, env.notifier.messages)

	assert.Equal(t, 1, env.events.GetPublishedEventCount())
}

func TestHandler_SendToHandle_NotifiesReceiver(t *testing.T) {
	env := newTestEnv(t)
	env.addActiveUser(t, "u1", "alice")
	env.profiles.profiles["bob"] = &social.Profile{ID: "u-bob", Username: "bob"}

	reply, err := env.handler.HandleMention(context.Background(), social.Post{
		AuthorID: "u1",
		Text:     "send 1 sol to @bob",
	})
	require.NoError(t, err)
	assert.Contains(t, reply, "solscan.io/tx/5solSig")

	// The receiver got a custodial wallet, inactive until they claim it.
	bob, err := env.store.GetUser(context.Background(), "u-bob")
	require.NoError(t, err)
	assert.False(t, bob.Active)
	assert.Equal(t, bob.SolanaAddress, env.sol.lastTo)

	require.Len(t, env.notifier.messages, 1)
	assert.Contains(t, env.notifier.messages[0], "🔔 Transaction Notification")
	assert.Contains(t, env.notifier.messages[0], "solscan.io/tx/5solSig")
	assert.Equal(t, social.ConversationID("bot-1", "u-bob"), env.notifier.convos[0])

	require.Len(t, env.store.txns, 1)
	require.NotNil(t, env.store.txns[0].ReceiverUserID)
	assert.Equal(t, "u-bob", *env.store.txns[0].ReceiverUserID)
}

func TestHandler_UnknownHandleReceiver(t *testing.T) {
	env := newTestEnv(t)
	env.addActiveUser(t, "u1", "alice")

	reply, err := env.handler.HandleMention(context.Background(), social.Post{
		AuthorID: "u1",
		Text:     "send 1 sol to @nobody",
	})
	require.NoError(t, err)
	assert.Contains(t, reply, "Could not find receiver @nobody")
	assert.Empty(t, env.sol.sent)
}

func TestHandler_InsufficientBalanceReply(t *testing.T) {
	env := newTestEnv(t)
	env.addActiveUser(t, "u1", "alice")
	env.eth.sendErr = evm.ErrInsufficientBalance

	reply, err := env.handler.HandleMention(context.Background(), social.Post{
		AuthorID: "u1",
		Text:     "send 5 eth to 0x1111111111111111111111111111111111111111",
	})
	require.NoError(t, err)
	assert.Equal(t, "Insufficient balance.", reply)
	assert.Empty(t, env.store.txns)
}

package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatsync/internal/models"
)

// Config tunes a Session. Zero values fall back to defaults.
type Config struct {
	// ConnectTimeout bounds one connect attempt.
	ConnectTimeout time.Duration
	// ReconnectDelay enables automatic reconnects after a lost or failed
	// connection when positive.
	ReconnectDelay time.Duration
	// RequestTimeout bounds background calls (mark seen, counter seed).
	RequestTimeout time.Duration
	InboxSize      int
	Logger         *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 256
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// command runs on the session goroutine with mu held. The returned func, if any,
// runs after mu is released; callbacks and blocking cleanup go there.
type command struct {
	apply func() func()
	done  chan struct{}
}

// Session keeps one user's push channel, presence view and unseen counters in
// sync with the server. Every state transition is applied in arrival order by a
// single goroutine. Callbacks run on that goroutine and must not call Close.
type Session struct {
	api    API
	dialer Dialer
	cfg    Config
	log    *zap.Logger

	inbox     chan command
	quit      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
	sendMu    sync.Mutex

	mu        sync.RWMutex
	state     State
	self      models.User
	token     string
	channel   Channel
	connGen   uint64
	lastSeq   uint64
	online    []string
	rec       *Reconciler
	reconnect *time.Timer

	cbMu       sync.RWMutex
	onPresence func(online []string)
	onMessage  func(msg models.Message)
	onState    func(state State)
}

func New(api API, dialer Dialer, cfg Config) *Session {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		api:    api,
		dialer: dialer,
		cfg:    cfg,
		log:    cfg.Logger,
		inbox:  make(chan command, cfg.InboxSize),
		quit:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		rec:    NewReconciler(),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// OnPresenceChanged registers the callback for online set changes.
func (s *Session) OnPresenceChanged(fn func(online []string)) {
	s.cbMu.Lock()
	s.onPresence = fn
	s.cbMu.Unlock()
}

// OnMessageArrived registers the callback for pushed messages.
func (s *Session) OnMessageArrived(fn func(msg models.Message)) {
	s.cbMu.Lock()
	s.onMessage = fn
	s.cbMu.Unlock()
}

// OnStateChanged registers the callback for lifecycle transitions.
func (s *Session) OnStateChanged(fn func(state State)) {
	s.cbMu.Lock()
	s.onState = fn
	s.cbMu.Unlock()
}

func (s *Session) run() {
	defer s.wg.Done()
	for {
		select {
		case cmd := <-s.inbox:
			s.mu.Lock()
			after := cmd.apply()
			s.mu.Unlock()
			if after != nil {
				after()
			}
			if cmd.done != nil {
				close(cmd.done)
			}
		case <-s.quit:
			s.mu.Lock()
			after := s.teardownLocked()
			s.mu.Unlock()
			after()
			return
		}
	}
}

// exec applies fn on the session goroutine and waits for it.
func (s *Session) exec(fn func() func()) error {
	cmd := command{apply: fn, done: make(chan struct{})}
	select {
	case s.inbox <- cmd:
	case <-s.quit:
		return ErrClosed
	}
	select {
	case <-cmd.done:
		return nil
	case <-s.quit:
		return ErrClosed
	}
}

// post queues fn without waiting. It reports false once the session is closed.
func (s *Session) post(fn func() func()) bool {
	select {
	case s.inbox <- command{apply: fn}:
		return true
	case <-s.quit:
		return false
	}
}

// Login authenticates and opens the push channel.
func (s *Session) Login(ctx context.Context, email, password string) (models.User, error) {
	user, token, err := s.api.Login(ctx, email, password)
	if err != nil {
		return models.User{}, err
	}
	if err := s.setIdentity(user, token); err != nil {
		return user, err
	}
	return user, s.connect(ctx)
}

// Resume restores a session from a cached token and opens the push channel.
func (s *Session) Resume(ctx context.Context, token string) (models.User, error) {
	user, err := s.api.Check(ctx, token)
	if err != nil {
		return models.User{}, err
	}
	if err := s.setIdentity(user, token); err != nil {
		return user, err
	}
	return user, s.connect(ctx)
}

// Reconnect opens a fresh push channel for the current identity.
func (s *Session) Reconnect(ctx context.Context) error {
	return s.connect(ctx)
}

func (s *Session) setIdentity(user models.User, token string) error {
	return s.exec(func() func() {
		if s.self.ID == user.ID && s.token != "" {
			s.token = token
			return nil
		}
		s.self = user
		s.token = token
		s.rec.Reset()
		s.rec.SetSelf(user.ID)
		return nil
	})
}

type dialResult struct {
	ch  Channel
	err error
}

func (s *Session) connect(ctx context.Context) error {
	var (
		gen   uint64
		token string
		pre   error
	)
	err := s.exec(func() func() {
		if s.token == "" {
			pre = ErrNoIdentity
			return nil
		}
		s.stopReconnectLocked()
		s.connGen++
		gen = s.connGen
		token = s.token

		old := s.channel
		s.channel = nil
		hadPresence := s.clearPresenceLocked()
		s.state = StateConnecting
		return func() {
			if old != nil {
				_ = old.Close()
			}
			if hadPresence {
				s.notifyPresence(nil)
			}
			s.notifyState(StateConnecting)
		}
	})
	if err != nil {
		return err
	}
	if pre != nil {
		return pre
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	results := make(chan dialResult, 1)
	go func() {
		ch, err := s.dialer.Dial(dialCtx, token)
		results <- dialResult{ch: ch, err: err}
	}()

	var res dialResult
	select {
	case res = <-results:
	case <-dialCtx.Done():
		res.err = fmt.Errorf("connect: %w", dialCtx.Err())
		go func() {
			if late := <-results; late.ch != nil {
				_ = late.ch.Close()
			}
		}()
	}

	var result error
	err = s.exec(func() func() {
		if gen != s.connGen {
			result = ErrSuperseded
			if res.ch != nil {
				return func() { _ = res.ch.Close() }
			}
			return nil
		}
		if res.err != nil {
			result = res.err
			s.state = StateDisconnected
			s.scheduleReconnectLocked()
			return func() {
				s.log.Warn("connect failed", zap.Error(res.err))
				s.notifyState(StateDisconnected)
			}
		}

		s.channel = res.ch
		s.state = StateConnected
		s.lastSeq = 0
		s.rec.BeginSeed()
		s.wg.Add(2)
		go s.readLoop(gen, res.ch)
		go s.seedCounters(gen, token)
		return func() { s.notifyState(StateConnected) }
	})
	if err != nil {
		if res.ch != nil {
			_ = res.ch.Close()
		}
		return err
	}
	return result
}

func (s *Session) readLoop(gen uint64, ch Channel) {
	defer s.wg.Done()
	for {
		event, err := ch.Read()
		if err != nil {
			if errors.Is(err, ErrBadEvent) {
				s.log.Warn("dropping malformed event", zap.Error(err))
				continue
			}
			s.post(func() func() { return s.channelClosedLocked(gen, err) })
			return
		}
		if !s.post(func() func() { return s.applyEventLocked(gen, event) }) {
			return
		}
	}
}

func (s *Session) channelClosedLocked(gen uint64, cause error) func() {
	if gen != s.connGen || s.channel == nil {
		return nil
	}
	ch := s.channel
	s.channel = nil
	s.state = StateDisconnected
	hadPresence := s.clearPresenceLocked()
	// a replaced channel stays down until the user reconnects explicitly
	if !errors.Is(cause, ErrReplaced) {
		s.scheduleReconnectLocked()
	}
	return func() {
		_ = ch.Close()
		s.log.Info("push channel closed", zap.Error(cause))
		if hadPresence {
			s.notifyPresence(nil)
		}
		s.notifyState(StateDisconnected)
	}
}

func (s *Session) applyEventLocked(gen uint64, event models.Event) func() {
	if gen != s.connGen {
		return nil
	}
	switch event.Type {
	case models.EventPresence:
		if event.Seq <= s.lastSeq {
			return nil
		}
		s.lastSeq = event.Seq
		online := make([]string, len(event.Online))
		copy(online, event.Online)
		sort.Strings(online)
		s.online = online
		return func() { s.notifyPresence(online) }

	case models.EventMessage:
		if event.Message == nil {
			return nil
		}
		msg := *event.Message
		outcome := s.rec.OnPush(msg)
		if outcome == PushIgnored {
			return nil
		}
		if outcome.MarksSeen() {
			msg.Seen = true
			s.markSeenAsync(s.token, msg.ID)
		}
		return func() { s.notifyMessage(msg) }

	case models.EventMessageDeleted:
		id := event.MessageID
		if id == "" && event.Message != nil {
			id = event.Message.ID
		}
		s.rec.OnDeleted(id)
		return nil
	}
	return nil
}

func (s *Session) seedCounters(gen uint64, token string) {
	defer s.wg.Done()
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RequestTimeout)
	_, counts, err := s.api.Contacts(ctx, token)
	cancel()

	s.post(func() func() {
		if gen != s.connGen {
			return nil
		}
		if err != nil {
			s.rec.AbortSeed()
			return func() { s.log.Warn("loading unseen counts failed", zap.Error(err)) }
		}
		s.rec.Seed(counts)
		return nil
	})
}

// markSeenAsync reports a viewed message. Failures are logged and not retried.
func (s *Session) markSeenAsync(token, messageID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RequestTimeout)
		defer cancel()
		if err := s.api.MarkSeen(ctx, token, messageID); err != nil {
			s.log.Warn("mark seen failed", zap.String("message_id", messageID), zap.Error(err))
		}
	}()
}

// OpenConversation shows peerID: its history replaces the view and its unseen
// counter drops to zero. It returns ErrSuperseded when another conversation was
// opened or closed before the history arrived.
func (s *Session) OpenConversation(ctx context.Context, peerID string) error {
	var (
		gen   uint64
		token string
		pre   error
	)
	err := s.exec(func() func() {
		switch {
		case s.token == "":
			pre = ErrNoIdentity
		case peerID == "" || peerID == s.self.ID:
			pre = fmt.Errorf("invalid peer %q", peerID)
		default:
			gen = s.rec.Open(peerID)
			token = s.token
		}
		return nil
	})
	if err != nil {
		return err
	}
	if pre != nil {
		return pre
	}

	msgs, fetchErr := s.api.Messages(ctx, token, peerID)

	var applied bool
	err = s.exec(func() func() {
		if fetchErr != nil {
			s.rec.FailFetch(gen, peerID)
			return nil
		}
		applied = s.rec.ApplyFetch(gen, peerID, msgs)
		return nil
	})
	switch {
	case err != nil:
		return err
	case fetchErr != nil:
		return fetchErr
	case !applied:
		return ErrSuperseded
	}
	return nil
}

// CloseConversation leaves the open conversation.
func (s *Session) CloseConversation() error {
	return s.exec(func() func() {
		s.rec.Close()
		return nil
	})
}

// SendMessage sends content to the open conversation. Sends are serialized, so
// the view keeps them in send order.
func (s *Session) SendMessage(ctx context.Context, content models.Content) (models.Message, error) {
	content, err := content.Validate()
	if err != nil {
		return models.Message{}, err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	var (
		peer  string
		token string
		pre   error
	)
	if err := s.exec(func() func() {
		peer = s.rec.OpenPeer()
		token = s.token
		switch {
		case token == "":
			pre = ErrNoIdentity
		case peer == "":
			pre = ErrNoConversation
		}
		return nil
	}); err != nil {
		return models.Message{}, err
	}
	if pre != nil {
		return models.Message{}, pre
	}

	msg, err := s.api.Send(ctx, token, peer, content)
	if err != nil {
		return models.Message{}, err
	}
	if err := s.exec(func() func() {
		s.rec.ApplySent(msg)
		return nil
	}); err != nil {
		return msg, err
	}
	return msg, nil
}

// DeleteMessage soft-deletes one of the user's own messages and blanks it in
// the view without waiting for the server's deletion event.
func (s *Session) DeleteMessage(ctx context.Context, messageID string) error {
	if messageID == "" {
		return errors.New("message id is required")
	}
	var token string
	if err := s.exec(func() func() {
		token = s.token
		return nil
	}); err != nil {
		return err
	}
	if token == "" {
		return ErrNoIdentity
	}

	if _, err := s.api.Delete(ctx, token, messageID); err != nil {
		return err
	}
	return s.exec(func() func() {
		s.rec.OnDeleted(messageID)
		return nil
	})
}

// Logout drops the identity and everything derived from it immediately.
func (s *Session) Logout() error {
	return s.exec(func() func() {
		s.stopReconnectLocked()
		s.connGen++
		ch := s.channel
		s.channel = nil
		prev := s.state
		s.state = StateDisconnected
		s.self = models.User{}
		s.token = ""
		hadPresence := s.clearPresenceLocked()
		s.rec.Reset()
		return func() {
			if ch != nil {
				_ = ch.Close()
			}
			if hadPresence {
				s.notifyPresence(nil)
			}
			if prev != StateDisconnected {
				s.notifyState(StateDisconnected)
			}
		}
	})
}

// Close releases the channel and every background goroutine. It is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
		s.cancel()
		s.wg.Wait()
	})
	return nil
}

func (s *Session) teardownLocked() func() {
	s.stopReconnectLocked()
	s.connGen++
	ch := s.channel
	s.channel = nil
	s.state = StateDisconnected
	s.online = nil
	return func() {
		if ch != nil {
			_ = ch.Close()
		}
	}
}

func (s *Session) clearPresenceLocked() bool {
	had := s.online != nil
	s.online = nil
	s.lastSeq = 0
	return had
}

func (s *Session) scheduleReconnectLocked() {
	if s.cfg.ReconnectDelay <= 0 || s.token == "" {
		return
	}
	s.stopReconnectLocked()
	s.reconnect = time.AfterFunc(s.cfg.ReconnectDelay, func() {
		if err := s.Reconnect(s.ctx); err != nil && !errors.Is(err, ErrClosed) && !errors.Is(err, ErrSuperseded) {
			s.log.Debug("reconnect attempt failed", zap.Error(err))
		}
	})
}

func (s *Session) stopReconnectLocked() {
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
}

func (s *Session) notifyPresence(online []string) {
	s.cbMu.RLock()
	fn := s.onPresence
	s.cbMu.RUnlock()
	if fn != nil {
		fn(online)
	}
}

func (s *Session) notifyMessage(msg models.Message) {
	s.cbMu.RLock()
	fn := s.onMessage
	s.cbMu.RUnlock()
	if fn != nil {
		fn(msg)
	}
}

func (s *Session) notifyState(state State) {
	s.cbMu.RLock()
	fn := s.onState
	s.cbMu.RUnlock()
	if fn != nil {
		fn(state)
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Identity returns the signed-in user, if any.
func (s *Session) Identity() (models.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.self, s.token != ""
}

// CurrentUnseenCounts returns unseen messages per peer.
func (s *Session) CurrentUnseenCounts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rec.Unseen()
}

// ConversationView returns the open conversation, oldest first.
func (s *Session) ConversationView() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rec.View()
}

// OpenPeer returns the peer of the open conversation, or "".
func (s *Session) OpenPeer() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rec.OpenPeer()
}

// OnlineUsers returns the last online set received.
func (s *Session) OnlineUsers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.online...)
}

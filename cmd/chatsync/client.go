package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"chatsync/internal/logger"
	"chatsync/internal/models"
	"chatsync/internal/session"
)

type clientOptions struct {
	server    string
	email     string
	password  string
	fullName  string
	signup    bool
	tokenFile string
	reconnect time.Duration
	timeout   time.Duration
}

func clientCmd() *cobra.Command {
	var opts clientOptions

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Interactive terminal client",
		Long: `Connects to a chatsync server, keeps the push channel open and shows
presence, unseen counters and the open conversation.

Commands:
  /who              list contacts with presence and unseen counts
  /open <contact>   open a conversation (id, email or name)
  /close            close the conversation
  /send <text>      send text to the open conversation (plain lines do the same)
  /image <ref>      send an image reference
  /delete [id]      delete one of your messages (defaults to the latest)
  /unseen           show unseen counters
  /quit             log out and exit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.server, "server", "http://localhost:8083", "server base URL")
	f.StringVar(&opts.email, "email", "", "account email")
	f.StringVar(&opts.password, "password", "", "account password")
	f.StringVar(&opts.fullName, "name", "", "full name, used with --signup")
	f.BoolVar(&opts.signup, "signup", false, "create the account before logging in")
	f.StringVar(&opts.tokenFile, "token-file", "", "cache the session token in this file")
	f.DurationVar(&opts.reconnect, "reconnect", 3*time.Second, "delay before redialing a lost push channel (0 disables)")
	f.DurationVar(&opts.timeout, "timeout", 10*time.Second, "request and connect timeout")

	return cmd
}

// terminal serializes output from the prompt loop and the session callbacks.
type terminal struct {
	mu  sync.Mutex
	out io.Writer
}

func (t *terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format+"\n", args...)
}

type client struct {
	api  *session.HTTPClient
	sess *session.Session
	term *terminal
	self models.User

	mu       sync.RWMutex
	contacts []session.Contact
	names    map[string]string
}

func runClient(ctx context.Context, opts clientOptions, in io.Reader, out io.Writer) error {
	if err := logger.Init("warn", false); err != nil {
		return err
	}
	defer logger.Sync()

	api := session.NewHTTPClient(opts.server, opts.timeout)
	sess := session.New(api, session.NewWSDialer(opts.server), session.Config{
		ConnectTimeout: opts.timeout,
		ReconnectDelay: opts.reconnect,
		RequestTimeout: opts.timeout,
		Logger:         logger.Named("session"),
	})
	defer sess.Close()

	c := &client{
		api:   api,
		sess:  sess,
		term:  &terminal{out: out},
		names: make(map[string]string),
	}
	sess.OnStateChanged(func(state session.State) { c.term.printf("* %s", state) })
	sess.OnPresenceChanged(c.showPresence)
	sess.OnMessageArrived(c.showMessage)

	token, cached, err := c.authenticate(ctx, opts, true)
	if err != nil {
		return err
	}
	user, err := sess.Resume(ctx, token)
	if cached && errors.Is(err, session.ErrUnauthorized) {
		// cached token expired
		if token, _, err = c.authenticate(ctx, opts, false); err == nil {
			user, err = sess.Resume(ctx, token)
		}
	}
	if err != nil && user.ID == "" {
		return err
	}
	c.self = user
	c.term.printf("signed in as %s <%s>", user.FullName, user.Email)
	if err != nil {
		c.term.printf("push channel unavailable: %v", err)
	}

	if err := c.refreshContacts(ctx, token); err != nil {
		c.term.printf("contacts: %v", err)
	}
	c.showContacts()

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if quit := c.handleLine(ctx, token, line); quit {
			return sess.Logout()
		}
	}
	return scanner.Err()
}

// authenticate returns a session token and whether it came from the cache file.
func (c *client) authenticate(ctx context.Context, opts clientOptions, useCache bool) (string, bool, error) {
	if useCache && opts.tokenFile != "" {
		if raw, err := os.ReadFile(opts.tokenFile); err == nil {
			if token := strings.TrimSpace(string(raw)); token != "" {
				return token, true, nil
			}
		}
	}
	if opts.email == "" || opts.password == "" {
		return "", false, errors.New("--email and --password are required")
	}

	var (
		token string
		err   error
	)
	if opts.signup {
		_, token, err = c.api.Signup(ctx, opts.email, opts.fullName, opts.password)
	} else {
		_, token, err = c.api.Login(ctx, opts.email, opts.password)
	}
	if err != nil {
		return "", false, err
	}

	if opts.tokenFile != "" {
		if err := os.WriteFile(opts.tokenFile, []byte(token), 0o600); err != nil {
			logger.Warn("cache token", zap.String("path", opts.tokenFile), zap.Error(err))
		}
	}
	return token, false, nil
}

func (c *client) handleLine(ctx context.Context, token, line string) bool {
	if !strings.HasPrefix(line, "/") {
		c.send(ctx, models.Content{Text: line})
		return false
	}

	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/quit":
		return true
	case "/who":
		if err := c.refreshContacts(ctx, token); err != nil {
			c.term.printf("contacts: %v", err)
		}
		c.showContacts()
	case "/open":
		peer, ok := c.resolve(arg)
		if !ok {
			c.term.printf("unknown contact %q", arg)
			return false
		}
		if err := c.sess.OpenConversation(ctx, peer); err != nil {
			c.term.printf("open: %v", err)
			return false
		}
		c.showConversation()
	case "/close":
		if err := c.sess.CloseConversation(); err != nil {
			c.term.printf("close: %v", err)
		}
	case "/send":
		c.send(ctx, models.Content{Text: arg})
	case "/image":
		c.send(ctx, models.Content{ImageRef: arg})
	case "/delete":
		id := arg
		if id == "" {
			var ok bool
			if id, ok = latestOwn(c.sess.ConversationView(), c.self.ID); !ok {
				c.term.printf("nothing to delete")
				return false
			}
		}
		if err := c.sess.DeleteMessage(ctx, id); err != nil {
			c.term.printf("delete: %v", err)
			return false
		}
		c.showConversation()
	case "/unseen":
		c.showUnseen()
	default:
		c.term.printf("unknown command %s", name)
	}
	return false
}

func (c *client) send(ctx context.Context, content models.Content) {
	if _, err := c.sess.SendMessage(ctx, content); err != nil {
		c.term.printf("send: %v", err)
	}
}

// latestOwn returns the newest message in view sent by self that is not yet deleted.
func latestOwn(view []models.Message, self string) (string, bool) {
	for i := len(view) - 1; i >= 0; i-- {
		if view[i].SenderID == self && !view[i].Deleted {
			return view[i].ID, true
		}
	}
	return "", false
}

func (c *client) refreshContacts(ctx context.Context, token string) error {
	contacts, _, err := c.api.Contacts(ctx, token)
	if err != nil {
		return err
	}
	names := make(map[string]string, len(contacts))
	for _, contact := range contacts {
		names[contact.ID] = contact.FullName
	}
	c.mu.Lock()
	c.contacts = contacts
	c.names = names
	c.mu.Unlock()
	return nil
}

func (c *client) resolve(ref string) (string, bool) {
	if ref == "" {
		return "", false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, contact := range c.contacts {
		if contact.ID == ref || strings.EqualFold(contact.Email, ref) || strings.EqualFold(contact.FullName, ref) {
			return contact.ID, true
		}
	}
	return "", false
}

func (c *client) name(userID string) string {
	if userID == c.self.ID {
		return "me"
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n, ok := c.names[userID]; ok && n != "" {
		return n
	}
	return userID
}

func (c *client) showContacts() {
	online := make(map[string]bool)
	for _, id := range c.sess.OnlineUsers() {
		online[id] = true
	}
	unseen := c.sess.CurrentUnseenCounts()

	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, contact := range c.contacts {
		mark := " "
		if online[contact.ID] {
			mark = "●"
		}
		line := fmt.Sprintf("%s %s <%s>", mark, contact.FullName, contact.Email)
		if n := unseen[contact.ID]; n > 0 {
			line += fmt.Sprintf(" (%d unseen)", n)
		}
		c.term.printf("%s", line)
	}
}

func (c *client) showPresence(online []string) {
	names := make([]string, 0, len(online))
	for _, id := range online {
		if id == c.self.ID {
			continue
		}
		names = append(names, c.name(id))
	}
	sort.Strings(names)
	c.term.printf("* online: %s", strings.Join(names, ", "))
}

func (c *client) showMessage(msg models.Message) {
	if msg.SenderID == c.sess.OpenPeer() || msg.SenderID == c.self.ID {
		c.term.printf("%s", c.format(msg))
		return
	}
	c.term.printf("* new message from %s", c.name(msg.SenderID))
}

func (c *client) showConversation() {
	for _, msg := range c.sess.ConversationView() {
		c.term.printf("%s", c.format(msg))
	}
}

func (c *client) showUnseen() {
	counts := c.sess.CurrentUnseenCounts()
	if len(counts) == 0 {
		c.term.printf("no unseen messages")
		return
	}
	peers := make([]string, 0, len(counts))
	for peer := range counts {
		peers = append(peers, peer)
	}
	sort.Strings(peers)
	for _, peer := range peers {
		c.term.printf("%s: %d", c.name(peer), counts[peer])
	}
}

func (c *client) format(msg models.Message) string {
	body := msg.Text
	switch {
	case msg.Deleted:
		body = "(deleted)"
	case msg.ImageRef != "":
		body = "[image] " + msg.ImageRef
	}
	return fmt.Sprintf("[%s] %s: %s", msg.CreatedAt.Local().Format("15:04"), c.name(msg.SenderID), body)
}

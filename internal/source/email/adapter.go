package email

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"golang.org/x/oauth2"

	"github.com/nhle/inbox-sync/internal/model"
	"github.com/nhle/inbox-sync/internal/source"
)

const (
	defaultMailbox   = "INBOX"
	defaultSinceDays = 7
	defaultLimit     = 500
	snippetLength    = 140
)

// Fetcher lists the recent threads of an IMAP mailbox together with the
// calendar invitations found in them. The whole window is returned as one
// page so a thread is never split across pages. Threads with messages
// outside the window are reported as retained so they are never retired
// while their mail is still in the mailbox.
type Fetcher struct {
	now   func() time.Time
	limit int
	dial  func(cfg *model.IMAPConfig, password string) mailbox
}

type mailbox interface {
	Fetch(ctx context.Context, mailbox string, since time.Time, limit int) (*Listing, error)
}

// NewFetcher creates an IMAP fetcher. limit caps how many of the most
// recent messages are read per pass; zero means the default of 500.
func NewFetcher(limit int) *Fetcher {
	if limit <= 0 {
		limit = defaultLimit
	}
	return &Fetcher{
		now:   time.Now,
		limit: limit,
		dial: func(cfg *model.IMAPConfig, password string) mailbox {
			return NewIMAPClient(cfg, password)
		},
	}
}

func (f *Fetcher) Provider() model.ProviderKind { return model.ProviderIMAP }
func (f *Fetcher) Mode() source.SyncMode        { return source.ModeFull }

func (f *Fetcher) Kinds() []model.ThirdPartyItemKind {
	return []model.ThirdPartyItemKind{model.KindMailThread, model.KindCalendarEvent}
}

func config(conn *model.IntegrationConnection) (*model.IMAPConfig, error) {
	cfg, ok := conn.Provider.(*model.IMAPConfig)
	if !ok || cfg.Host == "" {
		return nil, &model.ValidationError{
			Field:   "provider",
			Message: fmt.Sprintf("connection %s has no IMAP host", conn.ID),
		}
	}
	return cfg, nil
}

// ValidateConnection logs in and returns the account's username.
func (f *Fetcher) ValidateConnection(
	ctx context.Context,
	conn *model.IntegrationConnection,
	token *oauth2.Token,
) (string, error) {
	cfg, err := config(conn)
	if err != nil {
		return "", err
	}
	client, err := NewIMAPClient(cfg, token.AccessToken).Connect(ctx)
	if err != nil {
		return "", err
	}
	_ = client.Logout().Wait()
	return cfg.Username, nil
}

// FetchPage reads the mailbox window. The token's access token is the
// account password.
func (f *Fetcher) FetchPage(
	ctx context.Context,
	req source.FetchRequest,
) (*source.Page, error) {
	cfg, err := config(req.Connection)
	if err != nil {
		return nil, err
	}

	mbox := cfg.Mailbox
	if mbox == "" {
		mbox = defaultMailbox
	}
	days := cfg.SinceDays
	if days <= 0 {
		days = defaultSinceDays
	}
	since := f.now().AddDate(0, 0, -days)

	listing, err := f.dial(cfg, req.Token.AccessToken).Fetch(ctx, mbox, since, f.limit)
	if err != nil {
		return nil, fmt.Errorf("fetching mail: %w", err)
	}
	items, retained := threadMessages(listing)
	return &source.Page{Items: items, Retained: retained}, nil
}

type entry struct {
	env    Envelope
	raw    []byte
	recent bool
}

// threadMessages groups the listing into threads and appends the calendar
// events found in recent bodies with a back-reference to their thread.
// Only threads with a recent message are returned as items; the keys of
// threads holding any older message are returned as retained.
func threadMessages(l *Listing) ([]source.FetchedItem, []string) {
	if l == nil {
		return nil, nil
	}

	entries := make([]entry, 0, len(l.Recent)+len(l.Older))
	for _, env := range l.Older {
		entries = append(entries, entry{env: env})
	}
	for _, m := range l.Recent {
		entries = append(entries, entry{env: m.Envelope, raw: m.Raw, recent: true})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].env.UID < entries[j].env.UID })

	rootOf := make(map[string]string, len(entries))
	threads := make(map[string]*model.MailThread)
	hasRecent := make(map[string]bool)
	hasOlder := make(map[string]bool)
	var order []string

	type found struct {
		event *model.CalendarEvent
		root  string
	}
	events := make(map[string]found)
	var eventOrder []string

	for _, e := range entries {
		env := e.env
		root := threadKey(env, rootOf)
		rootOf[env.key()] = root

		t, ok := threads[root]
		if !ok {
			t = &model.MailThread{
				ThreadID: root,
				Subject:  env.Subject,
				Archived: true,
			}
			threads[root] = t
			order = append(order, root)
		}
		if e.recent {
			hasRecent[root] = true
		} else {
			hasOlder[root] = true
		}

		var text string
		var invites []*model.CalendarEvent
		if e.recent {
			text, invites = parseBody(e.raw)
		}

		t.MessageCount++
		if !env.hasFlag(`\Seen`) {
			t.Unread = true
		}
		if env.hasFlag(`\Flagged`) {
			t.Starred = true
		}
		if !env.hasFlag(`\Deleted`) {
			t.Archived = false
		}
		if !env.Date.Before(t.LastMessageAt) {
			t.LastMessageAt = env.Date
			t.From = env.From
			if text != "" {
				t.Snippet = snippet(text)
			}
		}

		for _, ev := range invites {
			prev, seen := events[ev.UID]
			if !seen {
				eventOrder = append(eventOrder, ev.UID)
			} else if ev.Sequence < prev.event.Sequence {
				continue
			}
			events[ev.UID] = found{event: ev, root: root}
		}
	}

	var items []source.FetchedItem
	var retained []string
	for _, root := range order {
		if hasRecent[root] {
			items = append(items, source.FetchedItem{Data: threads[root]})
		}
		if hasOlder[root] {
			retained = append(retained, root)
		}
	}
	for _, uid := range eventOrder {
		f := events[uid]
		items = append(items, source.FetchedItem{Data: f.event, ParentSourceID: f.root})
	}
	return items, retained
}

// threadKey names the thread a message belongs to: the first References
// entry, else the root of the message it replies to, else the message
// itself.
func threadKey(env Envelope, rootOf map[string]string) string {
	if len(env.References) > 0 {
		return env.References[0]
	}
	if len(env.InReplyTo) > 0 {
		parent := env.InReplyTo[0]
		if r, ok := rootOf[parent]; ok {
			return r
		}
		return parent
	}
	return env.key()
}

// parseBody returns the first text/plain part and every event found in
// text/calendar parts. Unparseable bodies yield nothing.
func parseBody(raw []byte) (string, []*model.CalendarEvent) {
	if len(raw) == 0 {
		return "", nil
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return "", nil
	}
	defer mr.Close()

	var text string
	var events []*model.CalendarEvent
	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}

		var contentType string
		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ = h.ContentType()
		case *mail.AttachmentHeader:
			contentType, _, _ = h.ContentType()
		}

		body, readErr := io.ReadAll(part.Body)
		if readErr != nil {
			continue
		}

		switch {
		case strings.HasPrefix(contentType, "text/plain") && text == "":
			text = string(body)
		case strings.HasPrefix(contentType, "text/calendar"),
			strings.HasPrefix(contentType, "application/ics"):
			events = append(events, ParseCalendar(body)...)
		}
	}
	return text, events
}

func snippet(text string) string {
	s := strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(s) <= snippetLength {
		return s
	}
	r := []rune(s)
	return string(r[:snippetLength])
}

package email

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/nhle/inbox-sync/internal/model"
	"github.com/nhle/inbox-sync/internal/source"
)

// IMAPClient wraps go-imap v2 for one mailbox account.
type IMAPClient struct {
	host     string
	port     string
	username string
	password string
	tls      bool
}

// NewIMAPClient creates a new IMAP client configuration.
func NewIMAPClient(cfg *model.IMAPConfig, password string) *IMAPClient {
	port := cfg.Port
	if port == "" {
		port = "993"
	}
	return &IMAPClient{
		host:     cfg.Host,
		port:     port,
		username: cfg.Username,
		password: password,
		tls:      cfg.TLS,
	}
}

// Connect dials and authenticates. The caller must Logout the returned
// client.
func (c *IMAPClient) Connect(_ context.Context) (*imapclient.Client, error) {
	addr := c.host + ":" + c.port

	var client *imapclient.Client
	var err error

	if c.tls {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, source.NewProviderError(
			model.ProviderIMAP, "connecting to "+addr, err,
		)
	}

	if err := client.Login(c.username, c.password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, source.NewAuthError(
			model.ProviderIMAP,
			fmt.Sprintf("authentication failed for %s: %v", c.username, err),
		)
	}

	return client, nil
}

// referencesSection fetches only the References header, which the IMAP
// envelope does not carry.
var referencesSection = &imap.FetchItemBodySection{
	Specifier:    imap.PartSpecifierHeader,
	HeaderFields: []string{"References"},
	Peek:         true,
}

// Fetch selects mailbox and lists every message in it. Up to limit of the
// most recent messages received since the given time are fetched with
// their bodies; the rest are fetched as envelopes only. Everything is read
// with PEEK so the \Seen flag is untouched.
func (c *IMAPClient) Fetch(
	ctx context.Context,
	mailbox string,
	since time.Time,
	limit int,
) (*Listing, error) {
	client, err := c.Connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	if _, err := client.Select(mailbox, nil).Wait(); err != nil {
		return nil, source.NewProviderError(model.ProviderIMAP, "selecting "+mailbox, err)
	}

	all, err := client.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return nil, source.NewProviderError(model.ProviderIMAP, "searching messages", err)
	}
	recent, err := client.UIDSearch(&imap.SearchCriteria{Since: since}, nil).Wait()
	if err != nil {
		return nil, source.NewProviderError(model.ProviderIMAP, "searching recent messages", err)
	}

	recentUIDs := recent.AllUIDs()
	if limit > 0 && len(recentUIDs) > limit {
		recentUIDs = recentUIDs[len(recentUIDs)-limit:]
	}
	inWindow := make(map[imap.UID]bool, len(recentUIDs))
	for _, uid := range recentUIDs {
		inWindow[uid] = true
	}
	var olderUIDs []imap.UID
	for _, uid := range all.AllUIDs() {
		if !inWindow[uid] {
			olderUIDs = append(olderUIDs, uid)
		}
	}

	listing := &Listing{}
	if len(olderUIDs) > 0 {
		bufs, err := fetchBuffers(client, olderUIDs, &imap.FetchOptions{
			Envelope:    true,
			Flags:       true,
			UID:         true,
			BodySection: []*imap.FetchItemBodySection{referencesSection},
		})
		if err != nil {
			return nil, err
		}
		for _, buf := range bufs {
			listing.Older = append(listing.Older, envelopeFromBuffer(buf))
		}
	}

	if len(recentUIDs) > 0 {
		bodySection := &imap.FetchItemBodySection{Peek: true}
		bufs, err := fetchBuffers(client, recentUIDs, &imap.FetchOptions{
			Envelope:    true,
			Flags:       true,
			UID:         true,
			BodySection: []*imap.FetchItemBodySection{referencesSection, bodySection},
		})
		if err != nil {
			return nil, err
		}
		for _, buf := range bufs {
			listing.Recent = append(listing.Recent, Message{
				Envelope: envelopeFromBuffer(buf),
				Raw:      buf.FindBodySection(bodySection),
			})
		}
	}
	return listing, nil
}

func fetchBuffers(
	client *imapclient.Client,
	uids []imap.UID,
	opts *imap.FetchOptions,
) ([]*imapclient.FetchMessageBuffer, error) {
	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), opts)
	defer fetchCmd.Close()

	var out []*imapclient.FetchMessageBuffer
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			continue
		}
		out = append(out, buf)
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, source.NewProviderError(model.ProviderIMAP, "fetching messages", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

func envelopeFromBuffer(buf *imapclient.FetchMessageBuffer) Envelope {
	env := Envelope{
		UID: uint32(buf.UID),
	}

	if buf.Envelope != nil {
		env.MessageID = buf.Envelope.MessageID
		env.InReplyTo = buf.Envelope.InReplyTo
		env.Subject = buf.Envelope.Subject
		env.Date = buf.Envelope.Date.UTC()

		if len(buf.Envelope.From) > 0 {
			from := buf.Envelope.From[0]
			if from.Name != "" {
				env.From = from.Name
			} else {
				env.From = from.Addr()
			}
		}
	}

	env.References = parseReferences(buf.FindBodySection(referencesSection))

	for _, flag := range buf.Flags {
		env.Flags = append(env.Flags, string(flag))
	}

	return env
}

// parseReferences reads the message ids of a References header block.
// Malformed headers yield no references.
func parseReferences(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil
	}
	mh := mail.Header{Header: message.Header{Header: h}}
	refs, err := mh.MsgIDList("References")
	if err != nil {
		return nil
	}
	return refs
}

func uidKey(uid uint32) string {
	return fmt.Sprintf("uid-%d", uid)
}

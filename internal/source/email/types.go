package email

import "time"

// Envelope holds the parsed envelope data from an IMAP message.
type Envelope struct {
	MessageID  string
	InReplyTo  []string
	References []string
	Subject    string
	From       string
	Date       time.Time
	Flags      []string // \Seen, \Flagged, \Deleted
	UID        uint32
}

// Message is an envelope plus its raw RFC 5322 body.
type Message struct {
	Envelope Envelope
	Raw      []byte
}

// Listing is one read of a mailbox. Recent messages fall inside the sync
// window and carry their bodies; Older holds the envelopes of every other
// message still in the mailbox. Both are ordered by UID.
type Listing struct {
	Recent []Message
	Older  []Envelope
}

func (e Envelope) hasFlag(flag string) bool {
	for _, f := range e.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// key identifies the message itself. Messages without a Message-ID fall
// back to their UID.
func (e Envelope) key() string {
	if e.MessageID != "" {
		return e.MessageID
	}
	return uidKey(e.UID)
}

package model

import (
	"fmt"
	"sort"
	"time"
)

// Jira status category keys.
const (
	JiraCategoryNew           = "new"
	JiraCategoryIndeterminate = "indeterminate"
	JiraCategoryDone          = "done"
)

// JiraIssue is an issue assigned to or watched by the connected user.
type JiraIssue struct {
	Key            string     `json:"key"`
	Summary        string     `json:"summary"`
	Status         string     `json:"status"`
	StatusCategory string     `json:"status_category"`
	Priority       int        `json:"priority"`
	ProjectKey     string     `json:"project_key"`
	IssueType      string     `json:"issue_type"`
	URL            string     `json:"url"`
	DueDate        *time.Time `json:"due_date,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (p *JiraIssue) Kind() ThirdPartyItemKind { return KindJiraIssue }
func (p *JiraIssue) SourceID() string         { return p.Key }
func (p *JiraIssue) isThirdPartyItemData()    {}

// IsDone reports whether the issue is in the done status category.
func (p *JiraIssue) IsDone() bool {
	return p.StatusCategory == JiraCategoryDone
}

// Pull request states.
const (
	PullRequestOpen     = "OPEN"
	PullRequestMerged   = "MERGED"
	PullRequestDeclined = "DECLINED"
)

// Reviewer verdicts, from most to least blocking.
const (
	ReviewNeedsWork  = "NEEDS_WORK"
	ReviewUnapproved = "UNAPPROVED"
	ReviewApproved   = "APPROVED"
)

// PullRequest is a pull request in the user's review inbox, either as a
// reviewer or as its author. The source id is PROJECT/repo/id.
type PullRequest struct {
	Project      string    `json:"project"`
	Repository   string    `json:"repository"`
	Number       int       `json:"number"`
	Title        string    `json:"title"`
	State        string    `json:"state"`
	Author       string    `json:"author"`
	SourceBranch string    `json:"source_branch"`
	TargetBranch string    `json:"target_branch"`
	ReviewStatus string    `json:"review_status"`
	URL          string    `json:"url"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (p *PullRequest) Kind() ThirdPartyItemKind { return KindPullRequest }
func (p *PullRequest) isThirdPartyItemData()    {}

func (p *PullRequest) SourceID() string {
	return fmt.Sprintf("%s/%s/%d", p.Project, p.Repository, p.Number)
}

// IsClosed reports whether the pull request was merged or declined.
func (p *PullRequest) IsClosed() bool {
	return p.State == PullRequestMerged || p.State == PullRequestDeclined
}

// MailThread is a conversation from a mailbox, shared by the Gmail and
// IMAP providers.
type MailThread struct {
	ThreadID      string    `json:"thread_id"`
	Subject       string    `json:"subject"`
	From          string    `json:"from"`
	Snippet       string    `json:"snippet,omitempty"`
	MessageCount  int       `json:"message_count"`
	Unread        bool      `json:"unread"`
	Starred       bool      `json:"starred"`
	Archived      bool      `json:"archived"`
	LastMessageAt time.Time `json:"last_message_at"`
}

func (p *MailThread) Kind() ThirdPartyItemKind { return KindMailThread }
func (p *MailThread) SourceID() string         { return p.ThreadID }
func (p *MailThread) isThirdPartyItemData()    {}

// iCalendar event status values.
const (
	CalendarStatusConfirmed = "CONFIRMED"
	CalendarStatusTentative = "TENTATIVE"
	CalendarStatusCancelled = "CANCELLED"
)

// CalendarEvent is an invitation found inside a mail thread. Its item
// carries a back-reference to the thread item it was derived from.
type CalendarEvent struct {
	UID       string    `json:"uid"`
	Summary   string    `json:"summary"`
	Organizer string    `json:"organizer,omitempty"`
	Location  string    `json:"location,omitempty"`
	Method    string    `json:"method,omitempty"`
	Status    string    `json:"status"`
	Sequence  int       `json:"sequence"`
	StartsAt  time.Time `json:"starts_at"`
	EndsAt    time.Time `json:"ends_at"`
}

func (p *CalendarEvent) Kind() ThirdPartyItemKind { return KindCalendarEvent }
func (p *CalendarEvent) SourceID() string         { return p.UID }
func (p *CalendarEvent) isThirdPartyItemData()    {}

// IsCancelled reports whether the organizer cancelled the event.
func (p *CalendarEvent) IsCancelled() bool {
	return p.Status == CalendarStatusCancelled || p.Method == "CANCEL"
}

// SlackStar is a message the user starred (or un-starred).
type SlackStar struct {
	Channel   string `json:"channel"`
	MessageTS string `json:"message_ts"`
	Starred   bool   `json:"starred"`
	Text      string `json:"text,omitempty"`
	Author    string `json:"author,omitempty"`
	Permalink string `json:"permalink,omitempty"`
}

func (p *SlackStar) Kind() ThirdPartyItemKind { return KindSlackStar }
func (p *SlackStar) isThirdPartyItemData()    {}

func (p *SlackStar) SourceID() string {
	return fmt.Sprintf("star/%s/%s", p.Channel, p.MessageTS)
}

// SlackReaction is an emoji reaction the user added to (or removed from)
// a message.
type SlackReaction struct {
	Channel   string `json:"channel"`
	MessageTS string `json:"message_ts"`
	Name      string `json:"name"`
	Active    bool   `json:"active"`
	Text      string `json:"text,omitempty"`
	Author    string `json:"author,omitempty"`
}

func (p *SlackReaction) Kind() ThirdPartyItemKind { return KindSlackReaction }
func (p *SlackReaction) isThirdPartyItemData()    {}

func (p *SlackReaction) SourceID() string {
	return fmt.Sprintf("reaction/%s/%s/%s", p.Channel, p.MessageTS, p.Name)
}

// SlackMessage is one message inside a mirrored thread.
type SlackMessage struct {
	TS   string `json:"ts"`
	User string `json:"user"`
	Text string `json:"text"`
}

// SlackThread mirrors a conversation thread. The source id is the
// timestamp of the thread's root message.
type SlackThread struct {
	Channel  string         `json:"channel"`
	ThreadTS string         `json:"thread_ts"`
	Messages []SlackMessage `json:"messages"`
}

func (p *SlackThread) Kind() ThirdPartyItemKind { return KindSlackThread }
func (p *SlackThread) SourceID() string         { return p.ThreadTS }
func (p *SlackThread) isThirdPartyItemData()    {}

// WithMessage returns a copy of the thread including msg. Messages stay
// ordered by timestamp and a timestamp already present is kept as is,
// so redelivered events do not change the payload.
func (p *SlackThread) WithMessage(msg SlackMessage) *SlackThread {
	out := &SlackThread{
		Channel:  p.Channel,
		ThreadTS: p.ThreadTS,
		Messages: make([]SlackMessage, 0, len(p.Messages)+1),
	}
	out.Messages = append(out.Messages, p.Messages...)
	for _, m := range out.Messages {
		if m.TS == msg.TS {
			return out
		}
	}
	out.Messages = append(out.Messages, msg)
	sort.SliceStable(out.Messages, func(i, j int) bool {
		return out.Messages[i].TS < out.Messages[j].TS
	})
	return out
}

// Title returns the text of the root message, or of the first known
// message when the root was never seen.
func (p *SlackThread) Title() string {
	for _, m := range p.Messages {
		if m.TS == p.ThreadTS {
			return m.Text
		}
	}
	if len(p.Messages) > 0 {
		return p.Messages[0].Text
	}
	return ""
}

// TodoItem is a task from a to-do provider.
type TodoItem struct {
	ID          string     `json:"id"`
	Content     string     `json:"content"`
	Description string     `json:"description,omitempty"`
	ProjectID   string     `json:"project_id"`
	ProjectName string     `json:"project_name,omitempty"`
	InInbox     bool       `json:"in_inbox"`
	Checked     bool       `json:"checked"`
	IsDeleted   bool       `json:"is_deleted"`
	Priority    int        `json:"priority"`
	Due         *time.Time `json:"due,omitempty"`
}

func (p *TodoItem) Kind() ThirdPartyItemKind { return KindTodoItem }
func (p *TodoItem) SourceID() string         { return p.ID }
func (p *TodoItem) isThirdPartyItemData()    {}

// Webhook item states accepted from callers.
const (
	WebhookStateOpen    = "open"
	WebhookStateDone    = "done"
	WebhookStateDeleted = "deleted"
)

// WebhookItem is a caller-defined item posted to a generic webhook.
type WebhookItem struct {
	ExternalID string         `json:"external_id"`
	Title      string         `json:"title"`
	Body       string         `json:"body,omitempty"`
	State      string         `json:"state"`
	DueAt      *time.Time     `json:"due_at,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
}

func (p *WebhookItem) Kind() ThirdPartyItemKind { return KindWebhookItem }
func (p *WebhookItem) SourceID() string         { return p.ExternalID }
func (p *WebhookItem) isThirdPartyItemData()    {}

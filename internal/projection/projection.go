// Package projection derives Notification and Task values from stored
// third-party items. Everything here is pure: the same item and config
// always produce the same projections, which is what lets the store skip
// rebuilding when a payload did not change.
package projection

import (
	"fmt"

	"github.com/nhle/inbox-sync/internal/model"
)

// Projections is the output of Build. Either field may be nil.
type Projections struct {
	Notification *model.Notification
	Task         *model.Task

	// LinkExistingTask asks the caller to link the notification to a task
	// the user already has for the same provider id.
	LinkExistingTask bool
}

// Empty reports whether nothing should be projected.
func (p Projections) Empty() bool {
	return p.Notification == nil && p.Task == nil
}

// Build derives the projections of item under the connection's provider
// config. A config that does not match the item's provider, or that
// disables the relevant sync, yields no projections. A config that asks
// for a projection mode Build does not know returns an Unsupported error.
func Build(item *model.ThirdPartyItem, cfg model.ProviderConfig) (Projections, error) {
	switch data := item.Data.(type) {
	case *model.JiraIssue:
		return buildJiraIssue(item, data), nil
	case *model.PullRequest:
		return buildPullRequest(item, data), nil
	case *model.MailThread:
		return buildMailThread(item, data), nil
	case *model.CalendarEvent:
		return buildCalendarEvent(item, data), nil
	case *model.SlackStar:
		slack, ok := cfg.(*model.SlackConfig)
		if !ok || !slack.Star.SyncEnabled {
			return Projections{}, nil
		}
		return buildSlackStar(item, data, slack.Star.SyncType), nil
	case *model.SlackReaction:
		slack, ok := cfg.(*model.SlackConfig)
		if !ok || !slack.Reaction.SyncEnabled || !reactionMatches(slack.Reaction, data) {
			return Projections{}, nil
		}
		return buildSlackReaction(item, data, slack.Reaction.SyncType), nil
	case *model.SlackThread:
		slack, ok := cfg.(*model.SlackConfig)
		if !ok || !slack.Message.SyncEnabled {
			return Projections{}, nil
		}
		return buildSlackThread(item, data), nil
	case *model.TodoItem:
		todoist, ok := cfg.(*model.TodoistConfig)
		if !ok || !todoist.SyncTasksEnabled {
			return Projections{}, nil
		}
		return buildTodoItem(item, data, todoist), nil
	case *model.WebhookItem:
		hook, ok := cfg.(*model.WebhookConfig)
		if !ok {
			return Projections{}, nil
		}
		return buildWebhookItem(item, data, hook.CreateAs)
	default:
		return Projections{}, nil
	}
}

func notificationFor(
	item *model.ThirdPartyItem,
	title string,
	status model.NotificationStatus,
) *model.Notification {
	return &model.Notification{
		UserID:       item.UserID,
		Kind:         item.Kind(),
		Title:        title,
		Status:       status,
		SourceItemID: item.ID,
	}
}

func taskFor(
	item *model.ThirdPartyItem,
	title string,
	status model.TaskStatus,
) *model.Task {
	return &model.Task{
		UserID:       item.UserID,
		Kind:         item.Kind(),
		Title:        title,
		Status:       status,
		Priority:     model.PriorityMedium,
		SourceItemID: item.ID,
	}
}

func buildJiraIssue(item *model.ThirdPartyItem, p *model.JiraIssue) Projections {
	status := model.NotificationStatusUnread
	if p.IsDone() {
		status = model.NotificationStatusDeleted
	}
	return Projections{
		Notification:     notificationFor(item, fmt.Sprintf("[%s] %s", p.Key, p.Summary), status),
		LinkExistingTask: true,
	}
}

func buildPullRequest(item *model.ThirdPartyItem, p *model.PullRequest) Projections {
	status := model.NotificationStatusUnread
	if p.IsClosed() {
		status = model.NotificationStatusDeleted
	}
	title := fmt.Sprintf("[%s/%s#%d] %s", p.Project, p.Repository, p.Number, p.Title)
	return Projections{Notification: notificationFor(item, title, status)}
}

func buildMailThread(item *model.ThirdPartyItem, p *model.MailThread) Projections {
	var status model.NotificationStatus
	switch {
	case p.Archived:
		status = model.NotificationStatusDeleted
	case p.Unread:
		status = model.NotificationStatusUnread
	default:
		status = model.NotificationStatusRead
	}

	title := p.Subject
	if title == "" {
		title = "(no subject)"
	}
	return Projections{Notification: notificationFor(item, title, status)}
}

func buildCalendarEvent(item *model.ThirdPartyItem, p *model.CalendarEvent) Projections {
	status := model.NotificationStatusUnread
	if p.IsCancelled() {
		status = model.NotificationStatusDeleted
	}

	title := p.Summary
	if title == "" {
		title = "(untitled event)"
	}
	return Projections{Notification: notificationFor(item, title, status)}
}

func buildSlackStar(item *model.ThirdPartyItem, p *model.SlackStar, mode model.SyncType) Projections {
	title := slackTitle(p.Text, p.Channel)
	switch mode {
	case model.SyncAsTask:
		status := model.TaskStatusActive
		if !p.Starred {
			status = model.TaskStatusDone
		}
		t := taskFor(item, title, status)
		t.Body = p.Permalink
		return Projections{Task: t}
	case model.SyncAsNotification:
		status := model.NotificationStatusUnread
		if !p.Starred {
			status = model.NotificationStatusDeleted
		}
		return Projections{Notification: notificationFor(item, title, status)}
	default:
		return Projections{}
	}
}

func reactionMatches(cfg model.SlackReactionConfig, p *model.SlackReaction) bool {
	return cfg.ReactionName == "" || cfg.ReactionName == p.Name
}

func buildSlackReaction(item *model.ThirdPartyItem, p *model.SlackReaction, mode model.SyncType) Projections {
	title := slackTitle(p.Text, p.Channel)
	switch mode {
	case model.SyncAsTask:
		status := model.TaskStatusActive
		if !p.Active {
			status = model.TaskStatusDone
		}
		return Projections{Task: taskFor(item, title, status)}
	case model.SyncAsNotification:
		status := model.NotificationStatusUnread
		if !p.Active {
			status = model.NotificationStatusDeleted
		}
		return Projections{Notification: notificationFor(item, title, status)}
	default:
		return Projections{}
	}
}

func buildSlackThread(item *model.ThirdPartyItem, p *model.SlackThread) Projections {
	return Projections{
		Notification: notificationFor(item, slackTitle(p.Title(), p.Channel), model.NotificationStatusUnread),
	}
}

func slackTitle(text string, channel string) string {
	const maxTitle = 120
	if text == "" {
		return "Message in " + channel
	}
	runes := []rune(text)
	if len(runes) > maxTitle {
		return string(runes[:maxTitle-1]) + "…"
	}
	return text
}

func buildTodoItem(item *model.ThirdPartyItem, p *model.TodoItem, cfg *model.TodoistConfig) Projections {
	status := model.TaskStatusActive
	switch {
	case p.IsDeleted:
		status = model.TaskStatusDeleted
	case p.Checked:
		status = model.TaskStatusDone
	}

	t := taskFor(item, p.Content, status)
	t.Body = p.Description
	t.Priority = todoPriority(p.Priority)
	t.DueAt = p.Due
	t.Project = p.ProjectName
	sink := item.ID
	t.SinkItemID = &sink

	out := Projections{Task: t}
	if cfg.CreateNotificationFromInboxTask && p.InInbox {
		nstatus := model.NotificationStatusUnread
		if status != model.TaskStatusActive {
			nstatus = model.NotificationStatusDeleted
		}
		out.Notification = notificationFor(item, p.Content, nstatus)
	}
	return out
}

// todoPriority maps the provider's 4 (urgent) .. 1 (normal) scale onto
// the normalized 1 (critical) .. 5 (lowest) scale.
func todoPriority(p int) int {
	switch p {
	case 4:
		return model.PriorityCritical
	case 3:
		return model.PriorityHigh
	case 2:
		return model.PriorityMedium
	default:
		return model.PriorityLow
	}
}

func buildWebhookItem(item *model.ThirdPartyItem, p *model.WebhookItem, mode model.SyncType) (Projections, error) {
	switch mode {
	case model.SyncAsTask:
		status := model.TaskStatusActive
		switch p.State {
		case model.WebhookStateDone:
			status = model.TaskStatusDone
		case model.WebhookStateDeleted:
			status = model.TaskStatusDeleted
		}
		t := taskFor(item, p.Title, status)
		t.Body = p.Body
		t.DueAt = p.DueAt
		return Projections{Task: t}, nil
	case model.SyncAsNotification:
		status := model.NotificationStatusUnread
		if p.State == model.WebhookStateDone || p.State == model.WebhookStateDeleted {
			status = model.NotificationStatusDeleted
		}
		return Projections{Notification: notificationFor(item, p.Title, status)}, nil
	default:
		return Projections{}, model.Unsupported("webhook connection has no create_as mode (got %q)", mode)
	}
}

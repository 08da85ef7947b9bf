package bitbucket

import (
	"encoding/json"
	"strings"
)

// PullRequestPage is a paginated response of pull requests.
type PullRequestPage struct {
	Size          int           `json:"size"`
	Limit         int           `json:"limit"`
	Start         int           `json:"start"`
	IsLastPage    bool          `json:"isLastPage"`
	NextPageStart int           `json:"nextPageStart"`
	Values        []PullRequest `json:"values"`
}

// PullRequest represents a Bitbucket Server pull request.
type PullRequest struct {
	ID          int           `json:"id"`
	Title       string        `json:"title"`
	State       string        `json:"state"` // OPEN, MERGED, DECLINED
	UpdatedDate int64         `json:"updatedDate"`
	FromRef     Ref           `json:"fromRef"`
	ToRef       Ref           `json:"toRef"`
	Author      Participant   `json:"author"`
	Reviewers   []Participant `json:"reviewers"`
}

// Ref represents a branch reference in a pull request.
type Ref struct {
	DisplayID  string     `json:"displayId"`
	Repository Repository `json:"repository"`
}

// Repository represents a Bitbucket repository.
type Repository struct {
	Slug    string  `json:"slug"`
	Project Project `json:"project"`
}

// Project represents a Bitbucket project.
type Project struct {
	Key string `json:"key"`
}

// Participant represents a user's role and status on a pull request.
type Participant struct {
	User   User   `json:"user"`
	Status string `json:"status"` // APPROVED, UNAPPROVED, NEEDS_WORK
}

// User represents a Bitbucket user.
type User struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

// errorResponse is the Bitbucket Server error body.
type errorResponse struct {
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func decodeError(body []byte) string {
	var resp errorResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return ""
	}
	msgs := make([]string, 0, len(resp.Errors))
	for _, e := range resp.Errors {
		if e.Message != "" {
			msgs = append(msgs, e.Message)
		}
	}
	return strings.Join(msgs, "; ")
}

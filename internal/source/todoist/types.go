package todoist

// SyncResponse is the subset of the Sync API response the fetcher reads.
type SyncResponse struct {
	SyncToken string    `json:"sync_token"`
	FullSync  bool      `json:"full_sync"`
	Items     []Item    `json:"items"`
	Projects  []Project `json:"projects"`
	User      *User     `json:"user,omitempty"`
}

// Item is a Todoist task.
type Item struct {
	ID          string `json:"id"`
	Content     string `json:"content"`
	Description string `json:"description"`
	ProjectID   string `json:"project_id"`
	Checked     bool   `json:"checked"`
	IsDeleted   bool   `json:"is_deleted"`
	Priority    int    `json:"priority"`
	Due         *Due   `json:"due"`
}

// Due is an item's due date. Date holds either a day or a date-time.
type Due struct {
	Date     string `json:"date"`
	Timezone string `json:"timezone,omitempty"`
}

// Project is a Todoist project.
type Project struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	InboxProject bool   `json:"inbox_project"`
	IsDeleted    bool   `json:"is_deleted"`
}

// User is the authenticated account.
type User struct {
	ID             string `json:"id"`
	Email          string `json:"email"`
	InboxProjectID string `json:"inbox_project_id"`
}

// ErrorResponse is returned with non-2xx statuses.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode int    `json:"error_code"`
}

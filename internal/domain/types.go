package domain

import "time"

type CampaignStatus string

const (
	CampaignDraft      CampaignStatus = "DRAFT"
	CampaignScheduled  CampaignStatus = "SCHEDULED"
	CampaignInProgress CampaignStatus = "IN_PROGRESS"
	CampaignFinished   CampaignStatus = "FINISHED"
	CampaignCanceled   CampaignStatus = "CANCELED"
)

// Progressable reports whether the pipeline is still allowed to act on a
// campaign in this status. Transitions are monotonic: DRAFT/SCHEDULED ->
// IN_PROGRESS -> FINISHED.
func (s CampaignStatus) Progressable() bool {
	return s == CampaignDraft || s == CampaignScheduled || s == CampaignInProgress
}

type Campaign struct {
	ID            int64
	TenantID      int64
	Name          string
	ChannelID     int64
	ContactListID int64
	Status        CampaignStatus
	// Confirmation asks recipients to confirm before the main message is
	// delivered; replies are handled by an external collaborator.
	Confirmation         bool
	Messages             []string
	ConfirmationMessages []string
	MediaPath            string
	MediaName            string
	ScheduledAt          *time.Time
	CompletedAt          *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Variable is a tenant-defined substitution token; {Key} in a template is
// replaced by Value.
type Variable struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Settings are the per-tenant campaign pacing knobs. Intervals are seconds.
type Settings struct {
	MessageInterval     int
	LongerIntervalAfter int
	GreaterInterval     int
	Variables           []Variable
}

// Contact is one entry of a campaign's contact list. Only valid contacts are
// eligible for dispatch.
type Contact struct {
	ID            int64
	TenantID      int64
	ContactListID int64
	Name          string
	Number        string
	Email         string
	Valid         bool
}

// ShippingRecord tracks one contact's progress within one campaign and is the
// unit of idempotency: unique on (CampaignID, ContactID), created by
// get-or-create only. A record with DeliveredAt set is terminal.
type ShippingRecord struct {
	ID                      int64
	CampaignID              int64
	ContactID               int64
	Number                  string
	Message                 string
	ConfirmationMessage     string
	ConfirmationRequestedAt *time.Time
	DeliveredAt             *time.Time
	TaskID                  *string
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

type ScheduleStatus string

const (
	SchedulePending ScheduleStatus = "PENDING"
	ScheduleQueued  ScheduleStatus = "QUEUED"
	ScheduleSent    ScheduleStatus = "SENT"
	ScheduleError   ScheduleStatus = "ERROR"
)

// Schedule is a single deferred message. QUEUED is a short-lived reservation
// set right before enqueue so the poller cannot re-select the row within its
// lookahead window.
type Schedule struct {
	ID           int64
	TenantID     int64
	ContactID    int64
	Body         string
	MediaPath    string
	SendAt       time.Time
	SentAt       *time.Time
	Status       ScheduleStatus
	RecurrenceID *int64
}

// Recurrence rearms a schedule every IntervalDays with its own follow-up
// body/media. A zero-day interval finalizes the schedule instead.
type Recurrence struct {
	ID           int64
	TenantID     int64
	IntervalDays int
	Body         string
	MediaPath    string
	MediaName    string
}

// User carries just enough state for the presence poller.
type User struct {
	ID        int64
	TenantID  int64
	Online    bool
	UpdatedAt time.Time
}

type TaskState string

const (
	TaskQueued    TaskState = "queued"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
)

// Task is one durable queue unit. Delivery is at-least-once: a running task
// whose lease expires is requeued, and failed handlers are never retried by
// the queue itself.
type Task struct {
	ID                string
	Kind              string
	Payload           []byte
	Group             string
	State             TaskState
	NextRunAt         time.Time
	VisibilityTimeout int // seconds
	IdempotencyKey    *string
	DeleteOnComplete  bool
	Error             string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

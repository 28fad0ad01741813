// Package store is Hive's typed storage adapter: it is the only internal
// package that imports database/sql or knows any SQL (main.go imports
// database/sql only to open the connection it hands to New). Lookups and
// writes return domain structs or a classified *apierr.Error, so callers
// never see sql.ErrNoRows; Ping, Migrate and the row-iteration step of list
// queries return the underlying error unclassified.
package store

import (
	"encoding/json"
	"time"
)

// MessageStatus is the mailbox message lifecycle state.
type MessageStatus string

const (
	MessageUnread MessageStatus = "unread"
	MessageRead   MessageStatus = "read"
)

// Message is a mailbox message row.
type Message struct {
	ID                int64
	Recipient         string
	Sender            string
	Title             string
	Body              string
	Status            MessageStatus
	CreatedAt         time.Time
	ViewedAt          *time.Time
	Urgent            bool
	ThreadID          *string
	ReplyToMessageID  *int64
	DedupeKey         *string
	Metadata          json.RawMessage
	ResponseWaiting   bool
	WaitingResponder  *string
	WaitingSince      *time.Time
}

// MessageListFilter drives ListMessages.
type MessageListFilter struct {
	Recipient string
	Status    MessageStatus // empty = any
	Limit     int
	SinceID   int64 // 0 = no filter, else id > SinceID
	BeforeID  int64 // 0 = no filter (cursor pagination), else id < BeforeID
}

// MessageSearchFilter drives SearchMessages.
type MessageSearchFilter struct {
	Recipient string
	Query     string
	From      *time.Time
	To        *time.Time
	Limit     int
}

// Webhook is a broadcast ingest endpoint.
type Webhook struct {
	ID        int64
	AppName   string
	Title     string
	Owner     string
	Token     string
	ForUsers  string
	Enabled   bool
	CreatedAt time.Time
}

// BroadcastEvent is one Buzz log entry.
type BroadcastEvent struct {
	ID          int64
	WebhookID   *int64
	AppName     string
	Title       string
	ForUsers    string
	ContentType string
	BodyText    *string
	BodyJSON    json.RawMessage
	ReceivedAt  time.Time
}

// TaskStatus is the Swarm task state machine value.
type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskReady      TaskStatus = "ready"
	TaskInProgress TaskStatus = "in_progress"
	TaskHolding    TaskStatus = "holding"
	TaskReview     TaskStatus = "review"
	TaskComplete   TaskStatus = "complete"
)

// Project is a Swarm project.
type Project struct {
	ID                  string
	Title               string
	Description         string
	Color               string
	ProjectLeadUserID   string
	DeveloperLeadUserID string
	OnedevURL           string
	DokployDeployURL    string
	ArchivedAt          *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Task is a Swarm task row. BlockedReason is computed, never stored.
type Task struct {
	ID                         string
	ProjectID                  *string
	Title                      string
	Detail                     string
	CreatorUserID              string
	AssigneeUserID             *string
	Status                     TaskStatus
	OnOrAfterAt                *time.Time
	MustBeDoneAfterTaskID      *string
	SortKey                    string
	NextTaskID                 *string
	NextTaskAssigneeUserID     *string
	CreatedAt                  time.Time
	UpdatedAt                  time.Time
	CompletedAt                *time.Time
	RecurringTemplateID        *string
	RecurringInstanceAt        *time.Time
}

// TaskEventKind is the audit-log entry kind.
type TaskEventKind string

const (
	TaskEventCreated       TaskEventKind = "created"
	TaskEventUpdated       TaskEventKind = "updated"
	TaskEventStatusChanged TaskEventKind = "status_changed"
	TaskEventClaimed       TaskEventKind = "claimed"
	TaskEventReordered     TaskEventKind = "reordered"
)

// TaskEvent is one audit-log row for a task.
type TaskEvent struct {
	ID           int64
	TaskID       string
	ActorUserID  string
	Kind         TaskEventKind
	BeforeState  json.RawMessage
	AfterState   json.RawMessage
	CreatedAt    time.Time
}

// EveryUnit is a recurring template's interval unit.
type EveryUnit string

const (
	UnitMinute EveryUnit = "minute"
	UnitHour   EveryUnit = "hour"
	UnitDay    EveryUnit = "day"
	UnitWeek   EveryUnit = "week"
	UnitMonth  EveryUnit = "month"
)

// WeekParity constrains a template to odd/even ISO weeks.
type WeekParity string

const (
	ParityAny  WeekParity = "any"
	ParityOdd  WeekParity = "odd"
	ParityEven WeekParity = "even"
)

// RecurringTemplate describes periodic task generation.
type RecurringTemplate struct {
	ID                string
	Title             string
	Detail            string
	ProjectID         *string
	OwnerUserID       string
	PrimaryAgent      string
	FallbackAgent     string
	Enabled           bool
	StartAt           time.Time
	EndAt             *time.Time
	EveryInterval     int
	EveryUnit         EveryUnit
	DaysOfWeek        []string // mon..sun, nil/empty = unconstrained
	WeekParity        WeekParity
	BetweenHoursStart *int
	BetweenHoursEnd   *int
	Timezone          string
	Mute              bool
	MuteInterval      string
	RepeatCount       *int
	LastRunAt         *time.Time
}

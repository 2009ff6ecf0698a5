package model

import "time"

type CampaignStatus string

const (
	CampaignQueued    CampaignStatus = "queued"
	CampaignRunning   CampaignStatus = "running"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCanceled  CampaignStatus = "canceled"
	CampaignFailed    CampaignStatus = "failed"
)

func (s CampaignStatus) Terminal() bool {
	return s == CampaignCompleted || s == CampaignCanceled || s == CampaignFailed
}

// Active reports whether a campaign in this status still owns the user's queue slot.
func (s CampaignStatus) Active() bool {
	return s == CampaignQueued || s == CampaignRunning
}

type RecipientStatus string

const (
	RecipientQueued  RecipientStatus = "queued"
	RecipientSending RecipientStatus = "sending"
	RecipientSent    RecipientStatus = "sent"
	RecipientError   RecipientStatus = "error"
)

type Recipient struct {
	Phone     string            `json:"phone"`
	Variables map[string]string `json:"variables,omitempty"`
}

// Content references media by URL; bytes are fetched when the campaign runs.
type Content struct {
	Text        string   `json:"text,omitempty"`
	Images      []string `json:"images,omitempty"`
	SingleImage string   `json:"singleImage,omitempty"`
	Audio       string   `json:"audio,omitempty"`
}

func (c Content) Empty() bool {
	return c.Text == "" && len(c.Images) == 0 && c.SingleImage == "" && c.Audio == ""
}

type RecipientRecord struct {
	Index        int               `json:"index"`
	Phone        string            `json:"phone"`
	Variables    map[string]string `json:"variables,omitempty"`
	Status       RecipientStatus   `json:"status"`
	Attempts     int               `json:"attempts"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	MessageID    string            `json:"messageId,omitempty"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

type Campaign struct {
	ID              string            `json:"id"`
	UserID          string            `json:"userId"`
	Status          CampaignStatus    `json:"status"`
	Content         Content           `json:"content"`
	TotalRecipients int               `json:"totalRecipients"`
	SentCount       int               `json:"sentCount"`
	ErrorCount      int               `json:"errorCount"`
	Reason          string            `json:"reason,omitempty"`
	JobID           string            `json:"jobId,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	StartedAt       *time.Time        `json:"startedAt,omitempty"`
	FinishedAt      *time.Time        `json:"finishedAt,omitempty"`
	Recipients      []RecipientRecord `json:"recipients,omitempty"`
}

// ProgressCursor is written after every send attempt and is the only input
// for choosing where a restarted run resumes.
type ProgressCursor struct {
	CurrentIndex  int             `json:"currentIndex"`
	Total         int             `json:"total"`
	LastRecipient string          `json:"lastRecipient"`
	LastStatus    RecipientStatus `json:"lastStatus"`
	ResumeFrom    int             `json:"resumeFrom"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

type EventType string

const (
	EventStarted        EventType = "started"
	EventSent           EventType = "sent"
	EventError          EventType = "error"
	EventCompleted      EventType = "completed"
	EventCanceled       EventType = "canceled"
	EventFailed         EventType = "failed"
	EventHeartbeatLost  EventType = "heartbeat_lost"
	EventOwnershipMoved EventType = "ownership_moved"
)

type Event struct {
	Type       EventType `json:"type"`
	CampaignID string    `json:"campaignId"`
	Index      int       `json:"index,omitempty"`
	Phone      string    `json:"phone,omitempty"`
	Message    string    `json:"message,omitempty"`
	At         time.Time `json:"at"`
}

type ProgressView struct {
	CurrentIndex int             `json:"currentIndex"`
	Number       string          `json:"number"`
	Status       RecipientStatus `json:"status"`
}

type QueueView struct {
	Position      int  `json:"position"`
	ActiveForUser bool `json:"activeForUser"`
}

// StatusView is the compact campaign projection polled by the UI.
type StatusView struct {
	CampaignID     string         `json:"campaignId,omitempty"`
	Total          int            `json:"total"`
	Sent           int            `json:"sent"`
	Errors         int            `json:"errors"`
	Completed      bool           `json:"completed"`
	Canceled       bool           `json:"canceled"`
	State          CampaignStatus `json:"state"`
	Progress       ProgressView   `json:"progress"`
	Queue          QueueView      `json:"queue"`
	EtaSeconds     int            `json:"etaSeconds"`
	RecentMessages []Event        `json:"recentMessages"`
}

type DetailedStatus struct {
	StatusView
	Campaign       *Campaign         `json:"campaign,omitempty"`
	Cursor         *ProgressCursor   `json:"cursor,omitempty"`
	Recipients     []RecipientRecord `json:"recipients"`
	HeartbeatAlive bool              `json:"heartbeatAlive"`
	CancelPending  bool              `json:"cancelPending"`
}

package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BaseModel holds common fields for all entities
type BaseModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate generates a UUID if not set
func (b *BaseModel) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}

// JSONB is a map stored as jsonb in PostgreSQL
type JSONB map[string]interface{}

// Value implements driver.Valuer
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements sql.Scanner
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for JSONB: %T", value)
	}
	return json.Unmarshal(data, j)
}

// StringMap is a map<string,string> stored as jsonb
type StringMap map[string]string

// Value implements driver.Valuer
func (m StringMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner
func (m *StringMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for StringMap: %T", value)
	}
	return json.Unmarshal(data, m)
}

// StringList is an ordered list of strings stored as jsonb
type StringList []string

// Value implements driver.Valuer
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner
func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for StringList: %T", value)
	}
	return json.Unmarshal(data, l)
}

// CampaignStatus is the campaign lifecycle state
type CampaignStatus string

const (
	CampaignStatusScheduled CampaignStatus = "scheduled"
	CampaignStatusRunning   CampaignStatus = "running"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusFailed    CampaignStatus = "failed"
)

// QueueStatus is the send-queue row state machine.
// Transitions: ready -> processing -> {sent | failed | ready (retry)}.
type QueueStatus string

const (
	QueueStatusReady      QueueStatus = "ready"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusSent       QueueStatus = "sent"
	QueueStatusFailed     QueueStatus = "failed"
)

// MessageDirection distinguishes outgoing and incoming messages
type MessageDirection string

const (
	DirectionOutgoing MessageDirection = "outgoing"
	DirectionIncoming MessageDirection = "incoming"
)

// DeliveryStatus is a provider-reported message lifecycle state
type DeliveryStatus string

const (
	DeliveryStatusSent      DeliveryStatus = "sent"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusRead      DeliveryStatus = "read"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

// Rank orders delivery statuses in the monotone hierarchy sent < delivered < read.
// failed ranks below sent so it can never overwrite a delivered/read status.
func (s DeliveryStatus) Rank() int {
	switch s {
	case DeliveryStatusSent:
		return 1
	case DeliveryStatusDelivered:
		return 2
	case DeliveryStatusRead:
		return 3
	default:
		return 0
	}
}

// Template categories and statuses as reported by Meta
const (
	TemplateCategoryUtility        = "UTILITY"
	TemplateCategoryMarketing      = "MARKETING"
	TemplateCategoryAuthentication = "AUTHENTICATION"

	TemplateStatusApproved = "APPROVED"
	TemplateStatusPending  = "PENDING"
	TemplateStatusRejected = "REJECTED"
)

// Sender is a configured business phone number campaigns send through
type Sender struct {
	BaseModel
	Name                   string  `gorm:"not null" json:"name"`
	PhoneNumberID          string  `gorm:"uniqueIndex;not null" json:"phone_number_id"`
	BusinessAccountID      string  `gorm:"index;not null" json:"business_account_id"`
	AccessToken            string  `json:"-"`
	AppSecret              string  `json:"-"`
	APIVersion             string  `json:"api_version"`
	MaxSendRatePerSec      float64 `gorm:"default:10" json:"max_send_rate_per_sec"`
	LastStableRatePerSec   float64 `json:"last_stable_rate_per_sec"`
	IsActive               bool    `gorm:"default:true" json:"is_active"`
	VerifiedName           string  `json:"verified_name"`
	QualityRating          string  `json:"quality_rating"`
	MessagingTier          string  `json:"messaging_tier"`
}

// Template is a pre-approved, parameterized message body on a sender
type Template struct {
	BaseModel
	SenderID      uuid.UUID `gorm:"type:uuid;index:idx_templates_sender_name,unique;not null" json:"sender_id"`
	Name          string    `gorm:"index:idx_templates_sender_name,unique;not null" json:"name"`
	Language      string    `json:"language"`
	Category      string    `json:"category"`
	Status        string    `json:"status"`
	Components    JSONB     `gorm:"type:jsonb" json:"components"`
	IsActive      bool      `gorm:"default:true" json:"is_active"`
	IsQuarantined bool      `gorm:"default:false" json:"is_quarantined"`
}

// EligibleForCampaign reports whether the template may be used for bulk sends
func (t *Template) EligibleForCampaign() bool {
	return t.Status == TemplateStatusApproved &&
		t.IsActive &&
		!t.IsQuarantined &&
		t.Category != TemplateCategoryMarketing
}

// Campaign is a bulk send over an ordered list of templates on one sender
type Campaign struct {
	BaseModel
	SenderID             uuid.UUID      `gorm:"type:uuid;index;not null" json:"sender_id"`
	Name                 string         `gorm:"not null" json:"name"`
	TemplateNames        StringList     `gorm:"type:jsonb;not null" json:"template_names"`
	TotalContacts        int            `json:"total_contacts"`
	InvalidContactsCount int            `json:"invalid_contacts_count"`
	TotalSent            int            `json:"total_sent"`
	TotalFailed          int            `json:"total_failed"`
	TotalDelivered       int            `json:"total_delivered"`
	TotalRead            int            `json:"total_read"`
	TotalReplied         int            `json:"total_replied"`
	ScheduledStartTime   *time.Time     `json:"scheduled_start_time,omitempty"`
	StartTime            *time.Time     `json:"start_time,omitempty"`
	EndTime              *time.Time     `json:"end_time,omitempty"`
	Status               CampaignStatus `gorm:"index;not null" json:"status"`
	CurrentTemplateIndex int            `gorm:"default:0" json:"current_template_index"`
	SpamPauseCount       int            `gorm:"default:0" json:"spam_pause_count"`
	SpamPausedUntil      *time.Time     `json:"spam_paused_until,omitempty"`
	PauseReason          string         `json:"pause_reason,omitempty"`
}

// CampaignContact is one CSV row imported into a campaign
type CampaignContact struct {
	BaseModel
	CampaignID    uuid.UUID `gorm:"type:uuid;index;not null" json:"campaign_id"`
	Phone         string    `gorm:"not null" json:"phone"`
	TemplateName  string    `json:"template_name,omitempty"`
	Variables     StringMap `gorm:"type:jsonb" json:"variables"`
	IsValid       bool      `gorm:"default:true" json:"is_valid"`
	InvalidReason string    `json:"invalid_reason,omitempty"`
}

// SendQueueEntry is one recipient-template pair awaiting dispatch
type SendQueueEntry struct {
	BaseModel
	CampaignID        uuid.UUID   `gorm:"type:uuid;index;not null" json:"campaign_id"`
	SenderID          uuid.UUID   `gorm:"type:uuid;index;not null" json:"sender_id"`
	TemplateName      string      `gorm:"not null" json:"template_name"`
	TemplateOrder     int         `gorm:"not null" json:"template_order"`
	Phone             string      `gorm:"not null" json:"phone"`
	Payload           StringMap   `gorm:"type:jsonb" json:"payload"`
	Status            QueueStatus `gorm:"not null;default:'ready'" json:"status"`
	RetryCount        int         `gorm:"default:0" json:"retry_count"`
	NextRetryAt       *time.Time  `json:"next_retry_at,omitempty"`
	WhatsAppMessageID *string     `json:"whatsapp_message_id,omitempty"`
	ErrorMessage      string      `json:"error_message,omitempty"`
	ActualSentAt      *time.Time  `json:"actual_sent_at,omitempty"`
	SentAt            *time.Time  `json:"sent_at,omitempty"`
	SpamErrorDetected bool        `gorm:"default:false" json:"spam_error_detected"`
}

// TableName keeps the historical table name
func (SendQueueEntry) TableName() string { return "send_queue" }

// Message is a sent or received WhatsApp message
type Message struct {
	BaseModel
	SenderID          uuid.UUID        `gorm:"type:uuid;index:idx_messages_sender_phone;not null" json:"sender_id"`
	CampaignID        *uuid.UUID       `gorm:"type:uuid;index" json:"campaign_id,omitempty"`
	UserPhone         string           `gorm:"index:idx_messages_sender_phone" json:"user_phone"`
	Direction         MessageDirection `gorm:"not null" json:"direction"`
	MessageType       string           `json:"message_type"`
	MessageBody       string           `json:"message_body,omitempty"`
	TemplateName      string           `json:"template_name,omitempty"`
	WhatsAppMessageID string           `gorm:"index" json:"whatsapp_message_id,omitempty"`
	Status            DeliveryStatus   `json:"status"`
}

// MessageStatusLog is an append-only provider status event keyed by WAMID
type MessageStatusLog struct {
	BaseModel
	WhatsAppMessageID string         `gorm:"index:idx_status_logs_campaign_wamid;not null" json:"whatsapp_message_id"`
	CampaignID        *uuid.UUID     `gorm:"type:uuid;index:idx_status_logs_campaign_wamid" json:"campaign_id,omitempty"`
	SenderID          uuid.UUID      `gorm:"type:uuid;not null" json:"sender_id"`
	Status            DeliveryStatus `gorm:"not null" json:"status"`
	ErrorCode         int            `json:"error_code,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
}

// UserReplyLimit tracks inbound replies per user phone
type UserReplyLimit struct {
	BaseModel
	UserPhone   string     `gorm:"uniqueIndex;not null" json:"user_phone"`
	ReplyCount  int        `gorm:"default:0" json:"reply_count"`
	LastReplyAt *time.Time `json:"last_reply_at,omitempty"`
}

// Notification types emitted by the engine
const (
	NotificationCampaignCompleted = "campaign_completed"
	NotificationCampaignFailed    = "campaign_failed"
	NotificationSpamPaused        = "spam_paused"
)

// Notification is an operator-facing event record
type Notification struct {
	BaseModel
	Type       string     `gorm:"index;not null" json:"type"`
	Title      string     `json:"title"`
	Body       string     `json:"body"`
	CampaignID *uuid.UUID `gorm:"type:uuid;index" json:"campaign_id,omitempty"`
	SenderID   *uuid.UUID `gorm:"type:uuid" json:"sender_id,omitempty"`
	IsRead     bool       `gorm:"default:false" json:"is_read"`
}

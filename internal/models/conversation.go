package models

import (
	"time"
)

// Sender identifies who wrote a chat message.
type Sender string

const (
	SenderUser Sender = "user"
	SenderAI   Sender = "ai"
)

// FeedbackType is the thumbs-up/down state of an assistant message.
type FeedbackType string

const (
	FeedbackPositive FeedbackType = "positive"
	FeedbackNegative FeedbackType = "negative"
	FeedbackNone     FeedbackType = "none"
)

// DefaultUserID is used when a request does not name a user.
const DefaultUserID int64 = 1

// Message is one chat bubble.
type Message struct {
	ID        string       `json:"id"`
	Content   string       `json:"content" validate:"required"`
	Sender    Sender       `json:"sender" validate:"oneof=user ai"`
	Timestamp time.Time    `json:"timestamp"`
	Feedback  FeedbackType `json:"feedback,omitempty" validate:"omitempty,oneof=positive negative none"`
}

// Transcript is the user-supplied document a conversation is about.
type Transcript struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Title      string    `json:"title"`
	UploadDate time.Time `json:"uploadDate"`
}

// ConversationSummary is one row of a user's conversation history.
type ConversationSummary struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"userId"`
	Title        string    `json:"title"`
	IsFavorite   bool      `json:"isFavorite"`
	Preview      string    `json:"preview"`
	MessageCount int       `json:"messageCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ConversationDetail is a conversation with its messages and transcript.
type ConversationDetail struct {
	ConversationSummary
	Messages   []Message   `json:"messages"`
	Transcript *Transcript `json:"transcript,omitempty"`
}

// SaveConversationRequest is the POST body of the conversation endpoint.
type SaveConversationRequest struct {
	UserID     int64      `json:"userId"`
	Title      string     `json:"title" validate:"required,max=255"`
	Messages   []Message  `json:"messages" validate:"dive"`
	Transcript Transcript `json:"transcript"`
	IsFavorite bool       `json:"isFavorite"`
}

// Validate validates a SaveConversationRequest.
func (r *SaveConversationRequest) Validate() error {
	return Validator().Struct(r)
}

// UpdateTitleRequest is the PUT body for renaming a conversation.
type UpdateTitleRequest struct {
	Title string `json:"title" validate:"required,max=255"`
}

// Validate validates an UpdateTitleRequest.
func (r *UpdateTitleRequest) Validate() error {
	return Validator().Struct(r)
}

// SendMessageRequest is the body of a chat turn.
type SendMessageRequest struct {
	Content string `json:"content" validate:"required"`
}

// Validate validates a SendMessageRequest.
func (r *SendMessageRequest) Validate() error {
	return Validator().Struct(r)
}

// FeedbackRequest records a thumbs-up/down on an assistant message.
type FeedbackRequest struct {
	MessageID string       `json:"messageId" validate:"required"`
	Type      FeedbackType `json:"type" validate:"required,oneof=positive negative"`
	Detail    string       `json:"detail,omitempty" validate:"max=4000"`
}

// Validate validates a FeedbackRequest.
func (r *FeedbackRequest) Validate() error {
	return Validator().Struct(r)
}

// FeedbackRecord is the detailed context captured along with a feedback event.
type FeedbackRecord struct {
	UserID            int64        `json:"userId,omitempty"`
	MessageID         string       `json:"messageId"`
	Type              FeedbackType `json:"type"`
	Timestamp         time.Time    `json:"timestamp"`
	MessageContent    string       `json:"messageContent"`
	TranscriptContext string       `json:"transcriptContext"`
	DetailedFeedback  string       `json:"detailedFeedback,omitempty"`
}

// ConversationTurn is a message as captured for later tuning.
type ConversationTurn struct {
	Role      Sender       `json:"role"`
	Content   string       `json:"content"`
	Timestamp time.Time    `json:"timestamp"`
	Feedback  FeedbackType `json:"feedback,omitempty"`
}

// ConversationMetadata describes the session a captured conversation came from.
type ConversationMetadata struct {
	UploadDate      time.Time       `json:"uploadDate"`
	TranscriptTitle string          `json:"transcriptTitle"`
	SessionDuration time.Duration   `json:"sessionDuration"`
	LastFeedback    *FeedbackRecord `json:"lastFeedback,omitempty"`
}

// ConversationData is a snapshot of a session captured on feedback or session end.
type ConversationData struct {
	UserID       int64                `json:"userId,omitempty"`
	Transcript   string               `json:"transcript"`
	Conversation []ConversationTurn   `json:"conversation"`
	Metadata     ConversationMetadata `json:"metadata"`
}

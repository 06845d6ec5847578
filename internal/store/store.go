// Package store provides storage backends for CoachPipe conversations.
//
// It includes an in-memory store and SQL stores backed by SQLite and PostgreSQL.
package store

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// ErrConversationNotFound is returned when a conversation id does not exist.
var ErrConversationNotFound = errors.New("conversation not found")

// PreviewLength is the maximum number of runes in a conversation preview.
const PreviewLength = 100

// Store persists conversations, their messages and their transcript.
type Store interface {
	// SaveConversation creates a conversation with its messages and transcript
	// in one transaction and returns its id.
	SaveConversation(ctx context.Context, req models.SaveConversationRequest) (int64, error)
	// GetConversations lists a user's conversations, most recently updated first.
	GetConversations(ctx context.Context, userID int64) ([]models.ConversationSummary, error)
	// GetConversation returns a conversation with its messages in timestamp order.
	GetConversation(ctx context.Context, id int64) (*models.ConversationDetail, error)
	UpdateConversationTitle(ctx context.Context, id int64, title string) error
	// ToggleFavorite flips the favorite flag and returns the new value.
	ToggleFavorite(ctx context.Context, id int64) (bool, error)
	// DeleteConversation removes a conversation with its messages and transcript.
	DeleteConversation(ctx context.Context, id int64) error
	// AppendMessages adds messages to an existing conversation.
	AppendMessages(ctx context.Context, id int64, messages []models.Message) error
	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string
}

// Option defines a function that configures Opts.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL URLs or key/value connection
// strings and "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// preview shortens content to PreviewLength runes.
func preview(content string) string {
	content = strings.TrimSpace(content)
	if utf8.RuneCountInString(content) <= PreviewLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:PreviewLength]) + "…"
}

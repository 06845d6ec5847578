package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// sqlConversations implements the conversation queries shared by the SQL
// backends. Queries are written with ? placeholders and rebound per driver.
type sqlConversations struct {
	db      *sql.DB
	name    string
	dollars bool
}

// q rewrites ? placeholders to $n for drivers that need them.
func (s *sqlConversations) q(query string) string {
	if !s.dollars {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlConversations) SaveConversation(ctx context.Context, req models.SaveConversationRequest) (int64, error) {
	userID := req.UserID
	if userID == 0 {
		userID = models.DefaultUserID
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, s.q(
		`INSERT INTO conversations (user_id, title, is_favorite, created_at, updated_at) VALUES (?, ?, ?, ?, ?) RETURNING id`),
		userID, req.Title, req.IsFavorite, now, now,
	).Scan(&id)
	if err != nil {
		slog.Error(s.name+".SaveConversation insert failed", "error", err, "userID", userID)
		return 0, fmt.Errorf("failed to insert conversation: %w", err)
	}

	if err := s.insertMessages(ctx, tx, id, req.Messages); err != nil {
		return 0, err
	}

	if req.Transcript.Content != "" {
		uploaded := req.Transcript.UploadDate
		if uploaded.IsZero() {
			uploaded = now
		}
		_, err = tx.ExecContext(ctx, s.q(
			`INSERT INTO transcripts (conversation_id, transcript_id, title, content, upload_date) VALUES (?, ?, ?, ?, ?)`),
			id, nullable(req.Transcript.ID), nullable(req.Transcript.Title), req.Transcript.Content, uploaded.UTC(),
		)
		if err != nil {
			slog.Error(s.name+".SaveConversation transcript insert failed", "error", err, "id", id)
			return 0, fmt.Errorf("failed to insert transcript: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit conversation: %w", err)
	}
	slog.Debug(s.name+".SaveConversation succeeded", "id", id, "messages", len(req.Messages))
	return id, nil
}

func (s *sqlConversations) insertMessages(ctx context.Context, tx *sql.Tx, id int64, messages []models.Message) error {
	for _, m := range messages {
		ts := m.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		_, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO messages (conversation_id, message_id, content, sender, feedback, timestamp) VALUES (?, ?, ?, ?, ?, ?)`),
			id, m.ID, m.Content, string(m.Sender), nullable(string(m.Feedback)), ts.UTC(),
		)
		if err != nil {
			slog.Error(s.name+".insertMessages failed", "error", err, "id", id)
			return fmt.Errorf("failed to insert message: %w", err)
		}
	}
	return nil
}

const summaryColumns = `c.id, c.user_id, c.title, c.is_favorite, c.created_at, c.updated_at,
	(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id),
	COALESCE((SELECT m.content FROM messages m WHERE m.conversation_id = c.id ORDER BY m.timestamp DESC, m.id DESC LIMIT 1), '')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSummary(row rowScanner) (models.ConversationSummary, error) {
	var c models.ConversationSummary
	var last string
	err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.IsFavorite, &c.CreatedAt, &c.UpdatedAt, &c.MessageCount, &last)
	c.Preview = preview(last)
	return c, err
}

func (s *sqlConversations) GetConversations(ctx context.Context, userID int64) ([]models.ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+summaryColumns+` FROM conversations c WHERE c.user_id = ? ORDER BY c.updated_at DESC, c.id DESC`), userID)
	if err != nil {
		slog.Error(s.name+".GetConversations query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	out := []models.ConversationSummary{}
	for rows.Next() {
		c, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversation rows: %w", err)
	}
	slog.Debug(s.name+".GetConversations succeeded", "userID", userID, "count", len(out))
	return out, nil
}

func (s *sqlConversations) GetConversation(ctx context.Context, id int64) (*models.ConversationDetail, error) {
	summary, err := scanSummary(s.db.QueryRowContext(ctx, s.q(
		`SELECT `+summaryColumns+` FROM conversations c WHERE c.id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrConversationNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %d: %w", id, err)
	}
	messages, err := s.messages(ctx, id)
	if err != nil {
		return nil, err
	}
	detail := &models.ConversationDetail{ConversationSummary: summary, Messages: messages}

	var t models.Transcript
	var transcriptID, title sql.NullString
	err = s.db.QueryRowContext(ctx, s.q(
		`SELECT transcript_id, title, content, upload_date FROM transcripts WHERE conversation_id = ?`), id,
	).Scan(&transcriptID, &title, &t.Content, &t.UploadDate)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to load transcript: %w", err)
	default:
		t.ID = transcriptID.String
		t.Title = title.String
		detail.Transcript = &t
	}
	return detail, nil
}

func (s *sqlConversations) messages(ctx context.Context, id int64) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT message_id, content, sender, feedback, timestamp FROM messages WHERE conversation_id = ? ORDER BY timestamp, id`), id)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	out := []models.Message{}
	for rows.Next() {
		var m models.Message
		var sender string
		var feedback sql.NullString
		if err := rows.Scan(&m.ID, &m.Content, &sender, &feedback, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		m.Sender = models.Sender(sender)
		m.Feedback = models.FeedbackType(feedback.String)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return out, nil
}

// execOne runs a single-row update and maps zero affected rows to ErrConversationNotFound.
func (s *sqlConversations) execOne(ctx context.Context, id int64, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrConversationNotFound, id)
	}
	return nil
}

func (s *sqlConversations) UpdateConversationTitle(ctx context.Context, id int64, title string) error {
	err := s.execOne(ctx, id, `UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`, title, time.Now().UTC(), id)
	if err != nil {
		slog.Error(s.name+".UpdateConversationTitle failed", "error", err, "id", id)
		return fmt.Errorf("failed to update title: %w", err)
	}
	return nil
}

func (s *sqlConversations) ToggleFavorite(ctx context.Context, id int64) (bool, error) {
	var fav bool
	err := s.db.QueryRowContext(ctx, s.q(
		`UPDATE conversations SET is_favorite = NOT is_favorite, updated_at = ? WHERE id = ? RETURNING is_favorite`),
		time.Now().UTC(), id,
	).Scan(&fav)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: %d", ErrConversationNotFound, id)
	}
	if err != nil {
		slog.Error(s.name+".ToggleFavorite failed", "error", err, "id", id)
		return false, fmt.Errorf("failed to toggle favorite: %w", err)
	}
	return fav, nil
}

func (s *sqlConversations) DeleteConversation(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"messages", "transcripts"} {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM `+table+` WHERE conversation_id = ?`), id); err != nil {
			return fmt.Errorf("failed to delete %s: %w", table, err)
		}
	}
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM conversations WHERE id = ?`), id)
	if err != nil {
		slog.Error(s.name+".DeleteConversation failed", "error", err, "id", id)
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %d", ErrConversationNotFound, id)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	slog.Debug(s.name+".DeleteConversation succeeded", "id", id)
	return nil
}

func (s *sqlConversations) AppendMessages(ctx context.Context, id int64, messages []models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.q(`UPDATE conversations SET updated_at = ? WHERE id = ?`), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %d", ErrConversationNotFound, id)
	}
	if err := s.insertMessages(ctx, tx, id, messages); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit messages: %w", err)
	}
	slog.Debug(s.name+".AppendMessages succeeded", "id", id, "count", len(messages))
	return nil
}

// Close closes the database connection.
func (s *sqlConversations) Close() error {
	slog.Debug(s.name + ".Close: closing database connection")
	return s.db.Close()
}

// nullable maps an empty string to SQL NULL for optional columns.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

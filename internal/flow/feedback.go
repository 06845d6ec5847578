package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// FeedbackSink receives conversation snapshots captured on feedback and when a
// session closes.
type FeedbackSink interface {
	Capture(ctx context.Context, data models.ConversationData) error
}

// LogSink writes snapshots to the structured log.
type LogSink struct{}

// Capture logs the snapshot.
func (LogSink) Capture(ctx context.Context, data models.ConversationData) error {
	attrs := []any{
		"transcriptTitle", data.Metadata.TranscriptTitle,
		"turns", len(data.Conversation),
		"sessionDuration", data.Metadata.SessionDuration,
	}
	if fb := data.Metadata.LastFeedback; fb != nil {
		attrs = append(attrs, "feedbackType", fb.Type, "messageID", fb.MessageID)
	}
	slog.InfoContext(ctx, "LogSink.Capture: conversation data", attrs...)
	return nil
}

// FileSink appends snapshots as JSON lines to a file.
type FileSink struct {
	mu   sync.Mutex
	path string
}

// FeedbackFileName is the JSON lines file FileSink writes in its directory.
const FeedbackFileName = "feedback.jsonl"

// NewFileSink creates a sink writing to dir/feedback.jsonl, creating dir if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create feedback directory %s: %w", dir, err)
	}
	return &FileSink{path: filepath.Join(dir, FeedbackFileName)}, nil
}

// Path returns the file the sink appends to.
func (f *FileSink) Path() string {
	return f.path
}

// Capture appends one JSON line.
func (f *FileSink) Capture(ctx context.Context, data models.ConversationData) error {
	line, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation data: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open feedback file: %w", err)
	}
	defer file.Close()
	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write feedback: %w", err)
	}
	return nil
}

// capture hands a snapshot to the sink. Errors are logged and dropped.
func (m *Manager) capture(ctx context.Context, data models.ConversationData) {
	if err := m.sink.Capture(context.WithoutCancel(ctx), data); err != nil {
		slog.Error("Manager.capture: failed to save conversation data", "error", err)
	}
}

// Feedback records a thumbs-up/down on a message and returns the message's new
// feedback. Repeating the current feedback clears it without capturing anything.
func (m *Manager) Feedback(ctx context.Context, id string, req models.FeedbackRequest) (models.FeedbackType, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	s, err := m.session(id)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	i, ok := s.message(req.MessageID)
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrMessageNotFound, req.MessageID)
	}
	if s.messages[i].Feedback == req.Type {
		s.messages[i].Feedback = models.FeedbackNone
		s.mu.Unlock()
		slog.Debug("Manager.Feedback: feedback cleared", "sessionID", id, "messageID", req.MessageID)
		return models.FeedbackNone, nil
	}

	s.messages[i].Feedback = req.Type
	now := m.now()
	record := &models.FeedbackRecord{
		UserID:            s.userID,
		MessageID:         req.MessageID,
		Type:              req.Type,
		Timestamp:         now.UTC(),
		MessageContent:    s.messages[i].Content,
		TranscriptContext: s.transcript.Content,
		DetailedFeedback:  req.Detail,
	}
	data := s.snapshot(now, record)
	s.mu.Unlock()

	slog.Info("Manager.Feedback: feedback recorded", "sessionID", id, "messageID", req.MessageID, "type", req.Type)
	m.capture(ctx, data)
	return req.Type, nil
}

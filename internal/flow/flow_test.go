package flow

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/CoachPipe/internal/coaching"
	"github.com/BTreeMap/CoachPipe/internal/genai"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/BTreeMap/CoachPipe/internal/transcript"
)

// scriptedResponder returns queued replies in order and records every request.
type scriptedResponder struct {
	mu       sync.Mutex
	replies  []string
	errs     []error
	requests []genai.Request
	// block, when set, is received from before replying.
	block chan struct{}
}

func (r *scriptedResponder) GetResponse(ctx context.Context, req genai.Request, settings models.AISettings) (string, error) {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	var err error
	if len(r.errs) > 0 {
		err, r.errs = r.errs[0], r.errs[1:]
	}
	if err != nil {
		return "", err
	}
	if len(r.replies) == 0 {
		return "ok", nil
	}
	reply := r.replies[0]
	r.replies = r.replies[1:]
	return reply, nil
}

func (r *scriptedResponder) lastRequest() genai.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests[len(r.requests)-1]
}

type recordingSink struct {
	mu       sync.Mutex
	captured []models.ConversationData
	err      error
}

func (s *recordingSink) Capture(ctx context.Context, data models.ConversationData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captured = append(s.captured, data)
	return s.err
}

func threeStepSettings() models.AISettings {
	s := coaching.DefaultSettings()
	s.CoachingSteps = map[models.StepID]models.StepData{
		"valeurs": {Title: "Valeurs", Description: "Identifier les valeurs", Questions: []string{"Qu'est-ce qui compte pour toi ?"}},
		"forces":  {Title: "Forces", Questions: []string{"Quelles sont tes forces ?"}},
		"mission": {Title: "Mission", Questions: []string{"Quelle est ta mission ?"}},
	}
	s.StepOrder = []models.StepID{"valeurs", "forces", "mission"}
	return s
}

func newTestManager(t *testing.T, r Responder, opts ...Option) (*Manager, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	opts = append([]Option{WithStore(st), WithDefaultSettings(threeStepSettings())}, opts...)
	m, err := NewManager(r, opts...)
	require.NoError(t, err)
	return m, st
}

func upload(content string) Upload {
	return Upload{Filename: "entretien.txt", ContentType: "text/plain", Size: int64(len(content)), Body: strings.NewReader(content)}
}

func TestStartSession(t *testing.T) {
	r := &scriptedResponder{replies: []string{"Voici mes observations."}}
	m, st := newTestManager(t, r)

	view, err := m.StartSession(context.Background(), upload("Bonjour   le le monde\nBonjour   le le monde\n"))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(view.ID, "s_"))
	assert.Equal(t, "entretien", view.Title)
	assert.Equal(t, "Bonjour le monde", view.Transcript.Content)
	assert.Equal(t, models.DefaultUserID, view.UserID)
	require.Len(t, view.Messages, 1)
	assert.Equal(t, models.SenderAI, view.Messages[0].Sender)
	assert.Equal(t, "Voici mes observations.", view.Messages[0].Content)
	require.NotNil(t, view.Progress)
	assert.Equal(t, models.StepID("valeurs"), view.Progress.CurrentStep)
	assert.Equal(t, 1, view.Progress.StepIndex)
	assert.Equal(t, 3, view.Progress.StepCount)

	req := r.lastRequest()
	assert.Equal(t, coaching.InitialAnalysisPrompt, req.Message)
	assert.Empty(t, req.StepContext)
	assert.Equal(t, "Bonjour le monde", req.Transcript)

	list, err := st.GetConversations(context.Background(), models.DefaultUserID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "entretien", list[0].Title)
	assert.Equal(t, 1, list[0].MessageCount)

	got, err := m.Session(view.ID)
	require.NoError(t, err)
	assert.Equal(t, list[0].ID, got.ConversationID)
}

func TestStartSessionAnalysisFailure(t *testing.T) {
	r := &scriptedResponder{errs: []error{&genai.ExhaustedRetriesError{Attempts: 3, Err: errors.New("boom")}}}
	m, _ := newTestManager(t, r)

	view, err := m.StartSession(context.Background(), upload("texte"))
	require.NoError(t, err)
	require.Len(t, view.Messages, 1)
	assert.Equal(t, AnalysisFailedMessage, view.Messages[0].Content)
}

func TestStartSessionRejectsInvalidUploads(t *testing.T) {
	m, _ := newTestManager(t, &scriptedResponder{})

	var verr *transcript.ValidationError
	_, err := m.StartSession(context.Background(), Upload{Filename: "notes.pdf", ContentType: "application/pdf", Size: 3, Body: strings.NewReader("abc")})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, transcript.KindFormat, verr.Kind)

	_, err = m.StartSession(context.Background(), Upload{Filename: "big.txt", Size: transcript.MaxSize + 1, Body: strings.NewReader("")})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, transcript.KindSize, verr.Kind)

	// Unknown size is enforced while reading.
	_, err = m.StartSession(context.Background(), Upload{Filename: "big.txt", Size: -1, Body: strings.NewReader(strings.Repeat("a", transcript.MaxSize+1))})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, transcript.KindSize, verr.Kind)
}

func TestSendMessageWalksSteps(t *testing.T) {
	r := &scriptedResponder{replies: []string{
		"Analyse",
		"Parle-moi encore de tes valeurs.",
		"Bravo, étape finie. " + coaching.CompletionMarker,
	}}
	m, st := newTestManager(t, r)
	ctx := context.Background()
	view, err := m.StartSession(ctx, upload("texte"))
	require.NoError(t, err)

	reply, err := m.SendMessage(ctx, view.ID, "  J'aime aider les autres  ")
	require.NoError(t, err)
	assert.False(t, reply.StepCompleted)
	assert.False(t, reply.Progress.CanProceedToNext)
	req := r.lastRequest()
	assert.Equal(t, "J'aime aider les autres", req.Message)
	assert.Contains(t, req.StepContext, `"Valeurs"`)
	assert.Contains(t, req.StepContext, coaching.CompletionMarker)

	// Advancing before completion is a no-op.
	pv, err := m.NextStep(view.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepID("valeurs"), pv.CurrentStep)

	reply, err = m.SendMessage(ctx, view.ID, "La famille")
	require.NoError(t, err)
	assert.True(t, reply.StepCompleted)
	assert.Equal(t, "Bravo, étape finie.", reply.Message.Content)
	assert.True(t, reply.Progress.CanProceedToNext)

	pv, err = m.NextStep(view.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepID("forces"), pv.CurrentStep)
	assert.Equal(t, []models.StepID{"valeurs"}, pv.CompletedSteps)
	assert.InDelta(t, 1.0/3, pv.Percent, 1e-9)

	got, err := m.Session(view.ID)
	require.NoError(t, err)
	assert.Len(t, got.Messages, 5)

	detail, err := st.GetConversation(ctx, got.ConversationID)
	require.NoError(t, err)
	assert.Len(t, detail.Messages, 5)
	assert.Equal(t, "Bravo, étape finie.", detail.Messages[4].Content)

	pv, err = m.ResetProgress(view.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepID("valeurs"), pv.CurrentStep)
	assert.Empty(t, pv.CompletedSteps)
}

func TestSendMessageErrors(t *testing.T) {
	r := &scriptedResponder{}
	m, _ := newTestManager(t, r)
	ctx := context.Background()
	view, err := m.StartSession(ctx, upload("texte"))
	require.NoError(t, err)

	_, err = m.SendMessage(ctx, view.ID, "   ")
	assert.ErrorIs(t, err, models.ErrEmptyMessage)

	_, err = m.SendMessage(ctx, "s_missing", "salut")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	r.errs = []error{genai.ErrRateLimitExceeded}
	_, err = m.SendMessage(ctx, view.ID, "salut")
	assert.ErrorIs(t, err, genai.ErrRateLimitExceeded)
	got, _ := m.Session(view.ID)
	assert.Len(t, got.Messages, 1, "rate-limited message should be dropped")

	r.errs = []error{&genai.ExhaustedRetriesError{Attempts: 3, Err: errors.New("down")}}
	reply, err := m.SendMessage(ctx, view.ID, "salut")
	require.NoError(t, err)
	assert.True(t, reply.Failed)
	assert.Equal(t, ReplyFailedMessage, reply.Message.Content)
	got, _ = m.Session(view.ID)
	assert.Len(t, got.Messages, 3)
	assert.False(t, got.Busy)
}

func TestSendMessageBusy(t *testing.T) {
	r := &scriptedResponder{}
	m, _ := newTestManager(t, r)
	ctx := context.Background()
	view, err := m.StartSession(ctx, upload("texte"))
	require.NoError(t, err)

	r.block = make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := m.SendMessage(ctx, view.ID, "premier")
		done <- err
	}()

	require.Eventually(t, func() bool {
		v, _ := m.Session(view.ID)
		return v.Busy
	}, time.Second, time.Millisecond)

	_, err = m.SendMessage(ctx, view.ID, "second")
	assert.ErrorIs(t, err, ErrSessionBusy)

	close(r.block)
	require.NoError(t, <-done)
}

func TestStaleCompletionIgnored(t *testing.T) {
	r := &scriptedResponder{replies: []string{"Analyse", "fini " + coaching.CompletionMarker}}
	m, _ := newTestManager(t, r)
	ctx := context.Background()
	view, err := m.StartSession(ctx, upload("texte"))
	require.NoError(t, err)

	// Drop the current step while the reply is pending: the marker then
	// targets a step the tracker is no longer on.
	r.block = make(chan struct{})
	done := make(chan Reply, 1)
	go func() {
		reply, _ := m.SendMessage(ctx, view.ID, "message")
		done <- reply
	}()
	require.Eventually(t, func() bool {
		v, _ := m.Session(view.ID)
		return v.Busy
	}, time.Second, time.Millisecond)

	order := []models.StepID{"forces", "mission"}
	_, err = m.UpdateSettings(view.ID, models.SettingsUpdate{StepOrder: &order})
	require.NoError(t, err)
	close(r.block)

	reply := <-done
	assert.False(t, reply.StepCompleted)
	assert.False(t, reply.Progress.CanProceedToNext)
	assert.Equal(t, models.StepID("forces"), reply.Progress.CurrentStep)
}

func TestUpdateSettings(t *testing.T) {
	m, _ := newTestManager(t, &scriptedResponder{replies: []string{"a", "b " + coaching.CompletionMarker}})
	ctx := context.Background()
	view, err := m.StartSession(ctx, upload("texte"))
	require.NoError(t, err)
	_, err = m.SendMessage(ctx, view.ID, "x")
	require.NoError(t, err)
	_, err = m.NextStep(view.ID)
	require.NoError(t, err)

	tu := false
	updated, err := m.UpdateSettings(view.ID, models.SettingsUpdate{UseTutoiement: &tu})
	require.NoError(t, err)
	assert.False(t, updated.UseTutoiement)
	pv, err := m.Progress(view.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepID("forces"), pv.CurrentStep, "position kept when step survives")

	order := []models.StepID{"mission", "valeurs"}
	_, err = m.UpdateSettings(view.ID, models.SettingsUpdate{StepOrder: &order})
	require.NoError(t, err)
	pv, err = m.Progress(view.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepID("mission"), pv.CurrentStep, "restart when current step removed")

	bad := 9
	_, err = m.UpdateSettings(view.ID, models.SettingsUpdate{MaxFollowUps: &bad})
	assert.ErrorIs(t, err, models.ErrMaxFollowUpsOutOfRange)

	empty := []models.StepID{}
	_, err = m.UpdateSettings(view.ID, models.SettingsUpdate{StepOrder: &empty})
	require.NoError(t, err)
	_, err = m.Progress(view.ID)
	assert.ErrorIs(t, err, coaching.ErrEmptyStepOrder)

	// Messages still work without steps.
	_, err = m.SendMessage(ctx, view.ID, "encore")
	require.NoError(t, err)
}

func TestEditSteps(t *testing.T) {
	m, _ := newTestManager(t, &scriptedResponder{replies: []string{"Analyse"}})
	view, err := m.StartSession(context.Background(), upload("texte"))
	require.NoError(t, err)

	settings, err := m.EditSteps(view.ID, models.StepEdit{Op: models.StepEditAddQuestion, StepID: "valeurs"})
	require.NoError(t, err)
	assert.Len(t, settings.CoachingSteps["valeurs"].Questions, 2)

	settings, err = m.EditSteps(view.ID, models.StepEdit{Op: models.StepEditMoveStep, Index: 2, Up: true})
	require.NoError(t, err)
	assert.Equal(t, []models.StepID{"valeurs", "mission", "forces"}, settings.StepOrder)
	pv, err := m.Progress(view.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepID("valeurs"), pv.CurrentStep, "reordering keeps the current step")

	_, err = m.EditSteps(view.ID, models.StepEdit{Op: models.StepEditDeleteStep, StepID: "valeurs"})
	require.NoError(t, err)
	pv, err = m.Progress(view.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepID("mission"), pv.CurrentStep, "deleting the current step restarts progress")

	_, err = m.EditSteps(view.ID, models.StepEdit{Op: models.StepEditRemoveQuestion, StepID: "valeurs"})
	assert.ErrorIs(t, err, models.ErrUnknownStep)
	_, err = m.EditSteps("s_missing", models.StepEdit{Op: models.StepEditAddStep})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestFeedback(t *testing.T) {
	sink := &recordingSink{}
	m, _ := newTestManager(t, &scriptedResponder{replies: []string{"Analyse"}}, WithFeedbackSink(sink))
	ctx := context.Background()
	view, err := m.StartSession(ctx, upload("texte"))
	require.NoError(t, err)
	msgID := view.Messages[0].ID

	fb, err := m.Feedback(ctx, view.ID, models.FeedbackRequest{MessageID: msgID, Type: models.FeedbackNegative, Detail: "trop long"})
	require.NoError(t, err)
	assert.Equal(t, models.FeedbackNegative, fb)
	require.Len(t, sink.captured, 1)
	last := sink.captured[0].Metadata.LastFeedback
	require.NotNil(t, last)
	assert.Equal(t, "trop long", last.DetailedFeedback)
	assert.Equal(t, "Analyse", last.MessageContent)
	assert.Equal(t, models.FeedbackNegative, sink.captured[0].Conversation[0].Feedback)

	// Same type again clears without capturing.
	fb, err = m.Feedback(ctx, view.ID, models.FeedbackRequest{MessageID: msgID, Type: models.FeedbackNegative})
	require.NoError(t, err)
	assert.Equal(t, models.FeedbackNone, fb)
	assert.Len(t, sink.captured, 1)

	// Sink failures are swallowed.
	sink.err = errors.New("sink down")
	_, err = m.Feedback(ctx, view.ID, models.FeedbackRequest{MessageID: msgID, Type: models.FeedbackPositive})
	require.NoError(t, err)

	_, err = m.Feedback(ctx, view.ID, models.FeedbackRequest{MessageID: "nope", Type: models.FeedbackPositive})
	assert.ErrorIs(t, err, ErrMessageNotFound)
	_, err = m.Feedback(ctx, view.ID, models.FeedbackRequest{MessageID: msgID, Type: models.FeedbackNone})
	assert.Error(t, err)
}

func TestFavoriteRenameAndSearch(t *testing.T) {
	m, st := newTestManager(t, &scriptedResponder{replies: []string{"Analyse des valeurs"}})
	ctx := context.Background()
	view, err := m.StartSession(ctx, upload("texte"))
	require.NoError(t, err)

	fav, err := m.ToggleFavorite(ctx, view.ID)
	require.NoError(t, err)
	assert.True(t, fav)
	require.NoError(t, m.Rename(ctx, view.ID, "  Séance du lundi "))
	assert.Error(t, m.Rename(ctx, view.ID, "   "))

	detail, err := st.GetConversation(ctx, view.ConversationID)
	require.NoError(t, err)
	assert.True(t, detail.IsFavorite)
	assert.Equal(t, "Séance du lundi", detail.Title)

	found, err := m.SearchHistory(ctx, 0, "LUNDI")
	require.NoError(t, err)
	assert.Len(t, found, 1)
	found, err = m.SearchHistory(ctx, 0, "valeurs")
	require.NoError(t, err)
	assert.Len(t, found, 1, "preview matches")
	found, err = m.SearchHistory(ctx, 0, "absent")
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestOpenConversationContinues(t *testing.T) {
	m, st := newTestManager(t, &scriptedResponder{replies: []string{"Analyse", "Suite"}})
	ctx := context.Background()
	view, err := m.StartSession(ctx, upload("texte"))
	require.NoError(t, err)

	reopened, err := m.OpenConversation(ctx, view.ConversationID)
	require.NoError(t, err)
	assert.NotEqual(t, view.ID, reopened.ID)
	assert.Len(t, reopened.Messages, 1)
	assert.Equal(t, "texte", reopened.Transcript.Content)

	_, err = m.SendMessage(ctx, reopened.ID, "on continue")
	require.NoError(t, err)
	detail, err := st.GetConversation(ctx, view.ConversationID)
	require.NoError(t, err)
	assert.Len(t, detail.Messages, 3)

	_, err = m.OpenConversation(ctx, 999)
	assert.ErrorIs(t, err, store.ErrConversationNotFound)
}

func TestCloseCapturesSnapshot(t *testing.T) {
	sink := &recordingSink{}
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	now := start
	m, _ := newTestManager(t, &scriptedResponder{}, WithFeedbackSink(sink), WithClock(func() time.Time { return now }))
	ctx := context.Background()
	view, err := m.StartSession(ctx, upload("texte"))
	require.NoError(t, err)

	now = start.Add(90 * time.Second)
	require.NoError(t, m.Close(ctx, view.ID))
	require.Len(t, sink.captured, 1)
	assert.Equal(t, 90*time.Second, sink.captured[0].Metadata.SessionDuration)
	assert.Nil(t, sink.captured[0].Metadata.LastFeedback)

	assert.ErrorIs(t, m.Close(ctx, view.ID), ErrSessionNotFound)
	_, err = m.Session(view.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestFileSink(t *testing.T) {
	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, sink.Capture(ctx, models.ConversationData{Transcript: "a"}))
	require.NoError(t, sink.Capture(ctx, models.ConversationData{Transcript: "b"}))

	f, err := os.Open(sink.Path())
	require.NoError(t, err)
	defer f.Close()
	var got []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var data models.ConversationData
		require.NoError(t, json.Unmarshal(sc.Bytes(), &data))
		got = append(got, data.Transcript)
	}
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestNewManagerValidation(t *testing.T) {
	_, err := NewManager(nil)
	assert.Error(t, err)

	bad := threeStepSettings()
	bad.StepOrder = append(bad.StepOrder, "inconnue")
	_, err = NewManager(&scriptedResponder{}, WithDefaultSettings(bad))
	assert.ErrorIs(t, err, models.ErrStepOrderMismatch)

	m, err := NewManager(&scriptedResponder{})
	require.NoError(t, err)
	view, err := m.StartSession(context.Background(), upload("texte"))
	require.NoError(t, err)
	assert.Nil(t, view.Progress, "default settings carry no steps")
}

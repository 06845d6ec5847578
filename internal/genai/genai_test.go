package genai

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/openai/openai-go"
	"github.com/prometheus/client_golang/prometheus"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	mu     sync.Mutex
	resp   openai.ChatCompletion
	errs   []error // returned in order, one per call; nil entries succeed
	calls  int
	params []openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.params = append(m.params, params)
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return openai.ChatCompletion{}, err
		}
	}
	return m.resp, nil
}

func completion(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

// recordingSleeper captures backoff delays without waiting.
type recordingSleeper struct {
	delays []time.Duration
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func newTestClient(chat chatService, sleeper *recordingSleeper) *Client {
	return &Client{
		chat:        chat,
		model:       "test-model",
		temperature: DefaultTemperature,
		maxRetries:  DefaultMaxRetries,
		baseDelay:   DefaultBaseDelay,
		policy:      SanitizeUnicode,
		limiter:     NewRateLimiter(DefaultLimiterCapacity, DefaultRefillInterval),
		sleep:       sleeper.sleep,
	}
}

func testSettings() models.AISettings {
	return models.AISettings{
		UseTutoiement:  true,
		Tonality:       "Chaleureux",
		ResponseLength: models.ResponseLengthConcise,
	}
}

func TestGetResponse_Success(t *testing.T) {
	chat := &mockChatService{resp: completion("Bonjour ! Parlons de tes valeurs.")}
	client := newTestClient(chat, &recordingSleeper{})

	out, err := client.GetResponse(context.Background(), Request{
		Message:     "Salut <b>coach</b>",
		Transcript:  "J'aime aider les autres.",
		StepContext: "Nous sommes à l'étape \"Valeurs\"",
	}, testSettings())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "Bonjour ! Parlons de tes valeurs." {
		t.Errorf("unexpected output %q", out)
	}
	if chat.calls != 1 {
		t.Fatalf("expected one provider call, got %d", chat.calls)
	}

	params := chat.params[0]
	if len(params.Messages) != 2 {
		t.Fatalf("expected system and user messages, got %d", len(params.Messages))
	}
	user := params.Messages[1].OfUser.Content.OfString.Value
	if !strings.HasSuffix(user, "Message de l'utilisateur: Salut coach") {
		t.Errorf("user turn should end with the sanitized message, got %q", user)
	}
	if !strings.HasPrefix(user, "Nous sommes à l'étape \"Valeurs\"") {
		t.Errorf("step context must not be sanitized, got %q", user)
	}
	system := params.Messages[0].OfSystem.Content.OfString.Value
	if !strings.HasSuffix(system, "Voici la transcription à analyser: Jaime aider les autres.") {
		t.Errorf("system prompt should end with the sanitized transcript, got %q", system)
	}
	if params.MaxTokens.Value != 300 {
		t.Errorf("expected concise budget 300, got %d", params.MaxTokens.Value)
	}
	if params.Temperature.Value != DefaultTemperature {
		t.Errorf("expected temperature %v, got %v", DefaultTemperature, params.Temperature.Value)
	}
}

func TestGetResponse_NoChoices(t *testing.T) {
	chat := &mockChatService{resp: openai.ChatCompletion{Choices: []openai.ChatCompletionChoice{}}}
	client := newTestClient(chat, &recordingSleeper{})
	out, err := client.GetResponse(context.Background(), Request{Message: "bonjour"}, testSettings())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != NoResponseGenerated {
		t.Errorf("expected %q, got %q", NoResponseGenerated, out)
	}
}

func TestGetResponse_RetriesThenSucceeds(t *testing.T) {
	chat := &mockChatService{
		resp: completion("ok"),
		errs: []error{errors.New("timeout"), nil},
	}
	sleeper := &recordingSleeper{}
	client := newTestClient(chat, sleeper)

	out, err := client.GetResponse(context.Background(), Request{Message: "bonjour"}, testSettings())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "ok" || chat.calls != 2 {
		t.Errorf("expected success on second call, got %q after %d calls", out, chat.calls)
	}
	if len(sleeper.delays) != 1 || sleeper.delays[0] != 2*time.Second {
		t.Errorf("expected a single 2s backoff, got %v", sleeper.delays)
	}
}

func TestGetResponse_ExhaustedRetries(t *testing.T) {
	cause := errors.New("service failure")
	chat := &mockChatService{errs: []error{cause, cause, cause, cause}}
	sleeper := &recordingSleeper{}
	client := newTestClient(chat, sleeper)

	_, err := client.GetResponse(context.Background(), Request{Message: "bonjour"}, testSettings())

	var exhausted *ExhaustedRetriesError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedRetriesError, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("expected the last cause to be wrapped, got %v", err)
	}
	if exhausted.UserMessage() != ExhaustedRetriesMessage {
		t.Errorf("unexpected user message %q", exhausted.UserMessage())
	}
	if chat.calls != DefaultMaxRetries {
		t.Errorf("expected exactly %d attempts, got %d", DefaultMaxRetries, chat.calls)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(sleeper.delays) != len(want) {
		t.Fatalf("expected delays %v, got %v", want, sleeper.delays)
	}
	for i := range want {
		if sleeper.delays[i] != want[i] {
			t.Errorf("delay %d: expected %v, got %v", i, want[i], sleeper.delays[i])
		}
	}
}

func TestGetResponse_MissingAPIKeyIsRetried(t *testing.T) {
	sleeper := &recordingSleeper{}
	client := newTestClient(nil, sleeper)

	_, err := client.GetResponse(context.Background(), Request{Message: "bonjour"}, testSettings())
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey cause, got %v", err)
	}
	if len(sleeper.delays) != DefaultMaxRetries-1 {
		t.Errorf("expected %d backoffs, got %d", DefaultMaxRetries-1, len(sleeper.delays))
	}
}

func TestGetResponse_ContextCancelledDuringBackoff(t *testing.T) {
	chat := &mockChatService{errs: []error{errors.New("boom"), errors.New("boom"), errors.New("boom")}}
	client := newTestClient(chat, &recordingSleeper{})
	client.sleep = sleepContext

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.GetResponse(ctx, Request{Message: "bonjour"}, testSettings())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if chat.calls != 1 {
		t.Errorf("expected no retry after cancellation, got %d calls", chat.calls)
	}
}

func TestGetResponse_RateLimited(t *testing.T) {
	chat := &mockChatService{resp: completion("ok")}
	client := newTestClient(chat, &recordingSleeper{})
	client.limiter = NewRateLimiter(1, time.Hour)
	reg := prometheus.NewRegistry()
	client.metrics = NewMetrics(reg)

	if _, err := client.GetResponse(context.Background(), Request{Message: "un"}, testSettings()); err != nil {
		t.Fatalf("first call should pass, got %v", err)
	}
	_, err := client.GetResponse(context.Background(), Request{Message: "deux"}, testSettings())
	if !errors.Is(err, ErrRateLimitExceeded) {
		t.Fatalf("expected ErrRateLimitExceeded, got %v", err)
	}
	if chat.calls != 1 {
		t.Errorf("rate-limited call must not reach the provider, got %d calls", chat.calls)
	}
	if got := counterValue(t, reg, "coachpipe_ai_throttle_total", nil); got != 1 {
		t.Errorf("expected one throttle event, got %v", got)
	}
	if got := counterValue(t, reg, "coachpipe_ai_requests_total", map[string]string{"status": "success"}); got != 1 {
		t.Errorf("expected one successful request, got %v", got)
	}
}

// counterValue sums the counter samples of name whose labels include want.
func counterValue(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue metrics
				}
			}
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestNewClient_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	cli, err := NewClient()
	if err != nil {
		t.Fatalf("expected client without key, got %v", err)
	}
	if cli.chat != nil {
		t.Error("expected no chat service without an API key")
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-4o-mini"), WithSanitizePolicy(SanitizeASCII))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli.chat == nil || cli.Model() != "gpt-4o-mini" || cli.policy != SanitizeASCII {
		t.Errorf("options not applied: %+v", cli)
	}
}

func TestNewClient_InvalidOptions(t *testing.T) {
	if _, err := NewClient(WithAPIKey("k"), WithMaxRetries(0)); err == nil {
		t.Error("expected error for zero retries")
	}
	if _, err := NewClient(WithAPIKey("k"), WithSanitizePolicy("latin1")); err == nil {
		t.Error("expected error for unknown policy")
	}
}

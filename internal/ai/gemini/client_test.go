package gemini

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/spigell/eor-quoter/internal/ai"
	"github.com/spigell/eor-quoter/internal/errs"
)

type fakeChatCreator struct {
	mu    sync.Mutex
	calls []chatCallRecord
	queue map[string][]fakeChatResponse
}

type chatCallRecord struct {
	model  string
	config *genai.GenerateContentConfig
	chat   *fakeChat
}

type fakeChatResponse struct {
	resp *genai.GenerateContentResponse
	err  error
}

type fakeChat struct {
	mu       sync.Mutex
	response fakeChatResponse
	messages []string
}

func (f *fakeChat) SendMessage(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, part := range parts {
		f.messages = append(f.messages, part.Text)
	}
	return f.response.resp, f.response.err
}

func newFakeChatCreator() *fakeChatCreator {
	return &fakeChatCreator{queue: make(map[string][]fakeChatResponse)}
}

func (f *fakeChatCreator) enqueue(model string, resp *genai.GenerateContentResponse, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue[model] = append(f.queue[model], fakeChatResponse{resp: resp, err: err})
}

func (f *fakeChatCreator) Create(ctx context.Context, model string, config *genai.GenerateContentConfig, history []*genai.Content) (chatSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	responses := f.queue[model]
	if len(responses) == 0 {
		return nil, errors.New("unexpected call")
	}
	res := responses[0]
	f.queue[model] = responses[1:]
	chat := &fakeChat{response: res}
	f.calls = append(f.calls, chatCallRecord{model: model, config: config, chat: chat})
	return chat, nil
}

func testGenerator(chats chatCreator, retries int) *Generator {
	return &Generator{chats: chats, model: "gemini-pro", maxRetries: retries, logger: zap.NewNop()}
}

func noWait(t *testing.T) {
	t.Helper()
	original := wait
	wait = func(context.Context, time.Duration) error { return nil }
	t.Cleanup(func() { wait = original })
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{
				{Text: "hidden reasoning", Thought: true},
				{Text: text},
			}},
		}},
	}
}

func TestGeneratorRetriesOnTemporaryError(t *testing.T) {
	noWait(t)

	chats := newFakeChatCreator()
	tempErr := genai.APIError{Code: http.StatusInternalServerError, Status: "INTERNAL"}
	chats.enqueue("gemini-pro", nil, tempErr)
	chats.enqueue("gemini-pro", textResponse("retry ok"), nil)

	g := testGenerator(chats, 2)

	output, err := g.GenerateContent(context.Background(), ai.Request{Name: "profile", System: "system", Payload: "message"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if output != "retry ok" {
		t.Fatalf("unexpected output: %q", output)
	}

	if len(chats.calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(chats.calls))
	}

	for _, call := range chats.calls {
		if call.config == nil || call.config.SystemInstruction == nil {
			t.Fatalf("expected system instruction to be set")
		}
		if got := call.config.SystemInstruction.Parts[0].Text; got != "system" {
			t.Fatalf("unexpected system instruction: %q", got)
		}
		if call.config.ResponseMIMEType != "" {
			t.Fatalf("relaxed request must not force a mime type, got %q", call.config.ResponseMIMEType)
		}
		if len(call.chat.messages) != 1 || call.chat.messages[0] != "message" {
			t.Fatalf("unexpected chat message: %+v", call.chat.messages)
		}
	}
}

func TestGeneratorStrictRequestsJSON(t *testing.T) {
	chats := newFakeChatCreator()
	chats.enqueue("gemini-pro", textResponse(`{"ok": true}`), nil)

	g := testGenerator(chats, 1)

	if _, err := g.GenerateContent(context.Background(), ai.Request{Payload: "message", Strict: true}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	config := chats.calls[0].config
	if config.ResponseMIMEType != "application/json" {
		t.Fatalf("expected json mime type, got %q", config.ResponseMIMEType)
	}
	if config.Temperature == nil || *config.Temperature != 0 {
		t.Fatalf("expected zero temperature, got %v", config.Temperature)
	}
	if config.SystemInstruction != nil {
		t.Fatalf("empty system prompt must not be sent")
	}
}

func TestGeneratorStopsAfterRetriesExhausted(t *testing.T) {
	noWait(t)

	chats := newFakeChatCreator()
	tempErr := genai.APIError{Code: http.StatusInternalServerError, Status: "INTERNAL"}
	chats.enqueue("gemini-pro", nil, tempErr)
	chats.enqueue("gemini-pro", nil, tempErr)

	g := testGenerator(chats, 2)

	_, err := g.GenerateContent(context.Background(), ai.Request{System: "sys", Payload: "msg"})
	if err == nil {
		t.Fatal("expected error after retries exhausted")
	}
	if !errors.Is(err, errs.ErrModelUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}

	if len(chats.calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(chats.calls))
	}
}

func TestGeneratorDoesNotRetryOnLongQuotaDelay(t *testing.T) {
	chats := newFakeChatCreator()
	quotaErr := genai.APIError{
		Code:    http.StatusTooManyRequests,
		Status:  "RESOURCE_EXHAUSTED",
		Message: "quota exhausted, retry after 60 seconds",
	}
	chats.enqueue("gemini-pro", nil, quotaErr)

	g := testGenerator(chats, 3)

	_, err := g.GenerateContent(context.Background(), ai.Request{System: "sys", Payload: "msg"})
	if err == nil {
		t.Fatal("expected error when quota delay too long")
	}
	if !errors.Is(err, errs.ErrModelRateLimited) {
		t.Fatalf("expected rate limit error, got %v", err)
	}

	if len(chats.calls) != 1 {
		t.Fatalf("expected single call, got %d", len(chats.calls))
	}
}

func TestGeneratorDoesNotRetryRejectedFormat(t *testing.T) {
	chats := newFakeChatCreator()
	chats.enqueue("gemini-pro", nil, genai.APIError{
		Code:    http.StatusBadRequest,
		Status:  "INVALID_ARGUMENT",
		Message: "response_mime_type is not supported by this model",
	})

	g := testGenerator(chats, 3)

	_, err := g.GenerateContent(context.Background(), ai.Request{Payload: "msg", Strict: true})
	if !errors.Is(err, errs.ErrFormatRejected) {
		t.Fatalf("expected format rejected error, got %v", err)
	}
	if len(chats.calls) != 1 {
		t.Fatalf("expected single call, got %d", len(chats.calls))
	}
}

func TestGeneratorEmptyResponseIsInvalid(t *testing.T) {
	chats := newFakeChatCreator()
	chats.enqueue("gemini-pro", &genai.GenerateContentResponse{}, nil)

	g := testGenerator(chats, 2)

	_, err := g.GenerateContent(context.Background(), ai.Request{Payload: "msg"})
	if !errors.Is(err, errs.ErrModelInvalidResponse) {
		t.Fatalf("expected invalid response error, got %v", err)
	}
}

func TestRetryDelay(t *testing.T) {
	cases := []struct {
		name string
		err  genai.APIError
		want time.Duration
	}{
		{name: "message seconds", err: genai.APIError{Message: "Please retry in 12.5s."}, want: 12500 * time.Millisecond},
		{name: "message millis", err: genai.APIError{Message: "retry after 300 ms"}, want: 300 * time.Millisecond},
		{name: "details", err: genai.APIError{Details: []map[string]any{{"@type": "type.googleapis.com/google.rpc.RetryInfo", "retryDelay": "7s"}}}, want: 7 * time.Second},
		{name: "none", err: genai.APIError{Message: "quota exhausted"}, want: 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := retryDelay(tc.err); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

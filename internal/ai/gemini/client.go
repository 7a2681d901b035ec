package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/spigell/eor-quoter/internal/ai"
	"github.com/spigell/eor-quoter/internal/errs"
	"github.com/spigell/eor-quoter/internal/retry"
	"github.com/spigell/eor-quoter/internal/utils"
)

const (
	defaultModel        = "gemini-2.5-pro"
	defaultMaxRetries   = 3
	defaultMaxLogLength = 200
	jsonMIMEType        = "application/json"
)

// wait is replaced in tests so backoff does not sleep.
var wait = utils.WaitFor

type chatSession interface {
	SendMessage(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

type chatCreator interface {
	Create(ctx context.Context, model string, config *genai.GenerateContentConfig, history []*genai.Content) (chatSession, error)
}

type sdkChats struct {
	chats *genai.Chats
}

func (s sdkChats) Create(ctx context.Context, model string, config *genai.GenerateContentConfig, history []*genai.Content) (chatSession, error) {
	chat, err := s.chats.Create(ctx, model, config, history)
	if err != nil {
		return nil, err
	}
	return chat, nil
}

// Options configures a Generator.
type Options struct {
	APIKey       string
	Model        string
	MaxRetries   int
	CallTimeout  time.Duration
	MaxLogLength int
}

// Generator sends single-turn chats to Gemini with bounded retries.
type Generator struct {
	chats       chatCreator
	model       string
	maxRetries  int
	callTimeout time.Duration
	maxLogLen   int
	logger      *zap.Logger
}

var _ ai.Generator = (*Generator)(nil)

// NewGenerator creates a new Generator configured for the Gemini API backend.
func NewGenerator(ctx context.Context, opts Options, logger *zap.Logger) (*Generator, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultModel
	}

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	maxLogLen := opts.MaxLogLength
	if maxLogLen <= 0 {
		maxLogLen = defaultMaxLogLength
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Generator{
		chats:       sdkChats{chats: client.Chats},
		model:       model,
		maxRetries:  maxRetries,
		callTimeout: opts.CallTimeout,
		maxLogLen:   maxLogLen,
		logger:      logger,
	}, nil
}

// GenerateContent implements ai.Generator.
func (g *Generator) GenerateContent(ctx context.Context, req ai.Request) (string, error) {
	if g == nil || g.chats == nil {
		return "", errors.New("gemini generator is not initialized")
	}

	payload := strings.TrimSpace(req.Payload)
	if payload == "" {
		return "", errors.New("payload must not be empty")
	}

	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](0),
	}
	if system := strings.TrimSpace(req.System); system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if req.Strict {
		config.ResponseMIMEType = jsonMIMEType
	}

	logger := g.log()
	logger.Debug("gemini generate content request",
		zap.String("request", req.Name),
		zap.Bool("strict", req.Strict),
		zap.Int("payload_length", utf8.RuneCountInString(payload)),
		zap.String("payload_preview", utils.TruncateForLog(payload, g.maxLogLen)),
	)

	policy := retry.Policy{
		MaxAttempts: g.maxRetries,
		CallTimeout: g.callTimeout,
		Wait:        wait,
	}

	output, err := retry.Do(ctx, policy, logger, "gemini "+req.Name, func(ctx context.Context) (string, error) {
		return g.send(ctx, config, payload)
	})
	if err != nil {
		return "", err
	}

	logger.Debug("gemini generate content response",
		zap.String("request", req.Name),
		zap.Int("response_length", utf8.RuneCountInString(output)),
		zap.String("response_preview", utils.TruncateForLog(output, g.maxLogLen)),
	)

	return output, nil
}

func (g *Generator) send(ctx context.Context, config *genai.GenerateContentConfig, payload string) (string, error) {
	chat, err := g.chats.Create(ctx, g.model, config, nil)
	if err != nil {
		return "", classify(fmt.Errorf("create chat: %w", err))
	}

	resp, err := chat.SendMessage(ctx, genai.Part{Text: payload})
	if err != nil {
		return "", classify(fmt.Errorf("generate content: %w", err))
	}

	output := responseText(resp)
	if output == "" {
		return "", fmt.Errorf("%w: gemini api returned empty response", errs.ErrModelInvalidResponse)
	}
	return output, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}

	var builder strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil || part.Thought {
				continue
			}
			text := strings.TrimSpace(part.Text)
			if text == "" {
				continue
			}
			if builder.Len() > 0 {
				builder.WriteString("\n")
			}
			builder.WriteString(text)
		}
	}
	return strings.TrimSpace(builder.String())
}

// Model returns the configured model name.
func (g *Generator) Model() string {
	if g == nil {
		return ""
	}
	return g.model
}

func (g *Generator) log() *zap.Logger {
	if g.logger == nil {
		return zap.NewNop()
	}
	return g.logger
}

// quotaError keeps the server-suggested delay of a rate-limit response.
type quotaError struct {
	err   error
	after time.Duration
}

func (q *quotaError) Error() string             { return q.err.Error() }
func (q *quotaError) Unwrap() []error           { return []error{errs.ErrModelRateLimited, q.err} }
func (q *quotaError) RetryAfter() time.Duration { return q.after }

var retryAfterMessage = regexp.MustCompile(`(?i)retry (?:after|in) ([0-9]+(?:\.[0-9]+)?)\s*(ms|s|sec|secs|second|seconds)?`)

func classify(err error) error {
	apiErr, ok := asAPIError(err)
	if !ok {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", errs.ErrModelTimeout, err)
		}
		return err
	}

	switch {
	case apiErr.Code == http.StatusTooManyRequests || apiErr.Status == "RESOURCE_EXHAUSTED":
		return &quotaError{err: err, after: retryDelay(apiErr)}
	case apiErr.Code >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %w", errs.ErrModelUnavailable, err)
	case apiErr.Code == http.StatusBadRequest && mentionsResponseFormat(apiErr.Message):
		return fmt.Errorf("%w: %w", errs.ErrFormatRejected, err)
	default:
		return err
	}
}

func asAPIError(err error) (genai.APIError, bool) {
	var value genai.APIError
	if errors.As(err, &value) {
		return value, true
	}
	var ptr *genai.APIError
	if errors.As(err, &ptr) && ptr != nil {
		return *ptr, true
	}
	return genai.APIError{}, false
}

func mentionsResponseFormat(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "response_mime_type") ||
		strings.Contains(lower, "responsemimetype") ||
		strings.Contains(lower, "json mode")
}

func retryDelay(apiErr genai.APIError) time.Duration {
	for _, detail := range apiErr.Details {
		raw, ok := detail["retryDelay"].(string)
		if !ok {
			continue
		}
		if d, err := time.ParseDuration(raw); err == nil {
			return d
		}
	}

	m := retryAfterMessage.FindStringSubmatch(apiErr.Message)
	if m == nil {
		return 0
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	if strings.EqualFold(m[2], "ms") {
		return time.Duration(value * float64(time.Millisecond))
	}
	return time.Duration(value * float64(time.Second))
}

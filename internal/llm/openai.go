package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"slidegen/internal/config"
	"slidegen/internal/domain"
	"slidegen/internal/prompt"
	"slidegen/internal/scoring"
)

// OpenAIClient implements Facade against the chat completions API.
type OpenAIClient struct {
	apiKey      string
	baseURL     string
	model       string
	visionModel string
	httpClient  *http.Client
	prompts     *prompt.Store
	log         *zap.Logger
	mu          sync.Mutex
	lastRequest time.Time
}

const requestGap = 100 * time.Millisecond

// NewOpenAIClient builds a live client from resolved settings.
func NewOpenAIClient(cfg config.OpenAIConfig, prompts *prompt.Store, log *zap.Logger) *OpenAIClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &OpenAIClient{
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		model:       cfg.DefaultModel,
		visionModel: cfg.VisionModel,
		httpClient:  &http.Client{Timeout: 5 * time.Minute},
		prompts:     prompts,
		log:         log,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// GenerateInitial asks the model for a first script draft.
func (c *OpenAIClient) GenerateInitial(ctx context.Context, brief string, images []domain.ImageInput, referenceImage string) (GenerationResult, error) {
	text, err := c.prompts.Render("generate_initial", map[string]string{
		"brief":  brief,
		"images": FormatImages(images),
	})
	if err != nil {
		return GenerationResult{}, &Error{Op: "generate_initial", Err: err}
	}
	return c.generateScript(ctx, "generate_initial", text, referenceImage)
}

// FixScript asks the model to repair a failing script.
func (c *OpenAIClient) FixScript(ctx context.Context, brief string, images []domain.ImageInput, failingScript, errorLog string) (GenerationResult, error) {
	text, err := c.prompts.Render("fix_script", map[string]string{
		"brief":          brief,
		"images":         FormatImages(images),
		"failing_script": failingScript,
		"error_log":      truncate(errorLog, 8000),
	})
	if err != nil {
		return GenerationResult{}, &Error{Op: "fix_script", Err: err}
	}
	return c.generateScript(ctx, "fix_script", text, "")
}

// ImproveScript asks the model to raise the score of a working script.
func (c *OpenAIClient) ImproveScript(ctx context.Context, brief string, images []domain.ImageInput, previousScript string, feedback *domain.ScoreBreakdown, iterationIndex int, renderedImage, referenceImage string) (GenerationResult, error) {
	text, err := c.prompts.Render("improve_script", map[string]string{
		"brief":           brief,
		"images":          FormatImages(images),
		"previous_script": previousScript,
		"score_feedback":  FormatScore(feedback),
		"iteration_index": fmt.Sprintf("%d", iterationIndex),
	})
	if err != nil {
		return GenerationResult{}, &Error{Op: "improve_script", Err: err}
	}
	attachments := []string{renderedImage}
	if referenceImage != "" {
		attachments = append(attachments, referenceImage)
	}
	return c.generateScriptWithImages(ctx, "improve_script", text, attachments)
}

// ScoreSlide asks the vision model to score a rendering and parses the
// JSON response into raw dimension scores. Values are not clamped here;
// out-of-range values are rejected downstream.
func (c *OpenAIClient) ScoreSlide(ctx context.Context, brief string, images []domain.ImageInput, renderedImage, referenceImage string) (scoring.DimensionScores, error) {
	text, err := c.prompts.Render("score_slide", map[string]string{
		"brief":  brief,
		"images": FormatImages(images),
	})
	if err != nil {
		return scoring.DimensionScores{}, &Error{Op: "score_slide", Err: err}
	}

	attachments := []string{renderedImage}
	if referenceImage != "" {
		attachments = append(attachments, referenceImage)
	}
	message, err := visionMessage(text, attachments)
	if err != nil {
		return scoring.DimensionScores{}, &Error{Op: "score_slide", Err: err}
	}

	raw, _, err := c.complete(ctx, chatRequest{
		Model:          c.visionModel,
		Messages:       []chatMessage{message},
		MaxTokens:      1024,
		Temperature:    0,
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return scoring.DimensionScores{}, wrapError("score_slide", err)
	}

	var parsed struct {
		Completeness    float64  `json:"completeness"`
		ContentAccuracy float64  `json:"content_accuracy"`
		LayoutMatch     float64  `json:"layout_match"`
		VisualQuality   float64  `json:"visual_quality"`
		Issues          []string `json:"issues"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &parsed); err != nil {
		return scoring.DimensionScores{}, &Error{Op: "score_slide", Transient: true, Err: fmt.Errorf("unparseable score response: %w", err)}
	}
	return scoring.DimensionScores{
		Completeness:    parsed.Completeness,
		ContentAccuracy: parsed.ContentAccuracy,
		LayoutMatch:     parsed.LayoutMatch,
		VisualQuality:   parsed.VisualQuality,
		Issues:          parsed.Issues,
	}, nil
}

func (c *OpenAIClient) generateScript(ctx context.Context, op, userPrompt, referenceImage string) (GenerationResult, error) {
	if referenceImage != "" {
		return c.generateScriptWithImages(ctx, op, userPrompt, []string{referenceImage})
	}
	raw, reqID, err := c.complete(ctx, chatRequest{
		Model:       c.model,
		Messages:    []chatMessage{{Role: "user", Content: userPrompt}},
		MaxTokens:   8192,
		Temperature: 0.2,
	})
	if err != nil {
		return GenerationResult{}, wrapError(op, err)
	}
	return GenerationResult{Script: ExtractCode(raw), RequestID: reqID}, nil
}

func (c *OpenAIClient) generateScriptWithImages(ctx context.Context, op, userPrompt string, imagePaths []string) (GenerationResult, error) {
	message, err := visionMessage(userPrompt, imagePaths)
	if err != nil {
		return GenerationResult{}, &Error{Op: op, Err: err}
	}
	raw, reqID, err := c.complete(ctx, chatRequest{
		Model:       c.visionModel,
		Messages:    []chatMessage{message},
		MaxTokens:   8192,
		Temperature: 0.2,
	})
	if err != nil {
		return GenerationResult{}, wrapError(op, err)
	}
	return GenerationResult{Script: ExtractCode(raw), RequestID: reqID}, nil
}

// complete posts one chat completion with rate limiting and bounded
// retries on transient failures.
func (c *OpenAIClient) complete(ctx context.Context, reqBody chatRequest) (content, requestID string, err error) {
	if c.apiKey == "" {
		return "", "", fmt.Errorf("API key not configured")
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	c.mu.Lock()
	elapsed := time.Since(c.lastRequest)
	if elapsed < requestGap {
		time.Sleep(requestGap - elapsed)
	}
	c.lastRequest = time.Now()
	c.mu.Unlock()

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal request: %w", err)
	}

	maxRetries := 3
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if i > 0 {
			time.Sleep(time.Duration(1<<uint(i-1)) * time.Second)
		}

		req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
		if err != nil {
			return "", "", fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = &transientErr{fmt.Errorf("request failed: %w", err)}
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = &transientErr{fmt.Errorf("failed to read response: %w", err)}
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = &transientErr{fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, truncate(string(body), 500))}
			c.log.Warn("retrying model call", zap.Int("status", resp.StatusCode), zap.Int("attempt", i))
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return "", "", fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, truncate(string(body), 500))
		}

		var parsed chatResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return "", "", fmt.Errorf("failed to parse response: %w", err)
		}
		if parsed.Error != nil {
			return "", "", fmt.Errorf("API error: %s", parsed.Error.Message)
		}
		if len(parsed.Choices) == 0 {
			return "", "", fmt.Errorf("no completion returned")
		}
		return strings.TrimSpace(parsed.Choices[0].Message.Content), parsed.ID, nil
	}
	return "", "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

type transientErr struct{ err error }

func (e *transientErr) Error() string { return e.err.Error() }
func (e *transientErr) Unwrap() error { return e.err }

func wrapError(op string, err error) error {
	transient := false
	if strings.Contains(err.Error(), "max retries exceeded") {
		transient = true
	}
	return &Error{Op: op, Transient: transient, Err: err}
}

// visionMessage builds a user message with text plus inline base64 images.
func visionMessage(text string, imagePaths []string) (chatMessage, error) {
	parts := []contentPart{{Type: "text", Text: text}}
	for _, path := range imagePaths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return chatMessage{}, fmt.Errorf("read image %s: %w", path, err)
		}
		parts = append(parts, contentPart{
			Type: "image_url",
			ImageURL: &imageURL{
				URL: fmt.Sprintf("data:%s;base64,%s", mimeType(path), base64.StdEncoding.EncodeToString(data)),
			},
		})
	}
	return chatMessage{Role: "user", Content: parts}, nil
}

func mimeType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "image/png"
	}
}

// ExtractCode strips a markdown code fence when the model wraps its
// answer in one, otherwise returns the text unchanged.
func ExtractCode(text string) string {
	text = strings.TrimSpace(text)
	start := strings.Index(text, "```")
	if start < 0 {
		return text
	}
	rest := text[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		// Drop the language tag line.
		firstLine := strings.TrimSpace(rest[:nl])
		if len(firstLine) <= 12 && !strings.ContainsAny(firstLine, " \t") {
			rest = rest[nl+1:]
		}
	}
	if end := strings.LastIndex(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

// extractJSON returns the outermost JSON object in text, tolerating
// leading prose or a code fence around the payload.
func extractJSON(text string) string {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n... (truncated)"
}

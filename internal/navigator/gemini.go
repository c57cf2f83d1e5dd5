package navigator

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"wraith/internal/faults"
	"wraith/internal/metrics"
	"wraith/internal/session"
)

// GeminiConfig selects the models behind each tier.
type GeminiConfig struct {
	APIKey      string
	Model       string // Tier 1
	VisionModel string // Tier 2
	Timeout     time.Duration
}

// Gemini is the production navigator on the Google GenAI SDK. Tier 1 sends
// the encoded tree to the cheap model; Tier 2 sends tree plus screenshot
// to the vision model.
type Gemini struct {
	client *genai.Client
	cfg    GeminiConfig
	logger *zap.Logger
	met    *metrics.Metrics
}

// NewGemini builds the adapter.
func NewGemini(ctx context.Context, cfg GeminiConfig, logger *zap.Logger, met *metrics.Metrics) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini navigator requires an API key")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = "gemini-2.5-pro"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &Gemini{client: client, cfg: cfg, logger: logger, met: met}, nil
}

// Model implements Navigator.
func (g *Gemini) Model(tier Tier) string {
	if tier == Tier2Visual {
		return g.cfg.VisionModel
	}
	return g.cfg.Model
}

// Decide implements Navigator.
func (g *Gemini) Decide(ctx context.Context, req Request) (session.Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	prompt := BuildPrompt(req)
	contents, err := g.buildContents(prompt, req)
	if err != nil {
		return session.Decision{}, err
	}

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, g.Model(req.Tier), contents, nil)
	if err != nil {
		g.met.IncNavigatorCall(req.Tier.String(), "error")
		if ctx.Err() == context.DeadlineExceeded {
			return session.Decision{}, faults.Newf(faults.KindTimeout, "navigator %s timed out after %s", req.Tier, g.cfg.Timeout)
		}
		return session.Decision{}, faults.Classify(fmt.Errorf("gemini generate failed: %w", err))
	}

	raw := collectText(resp)
	d, err := ParseDecision(raw)
	if err != nil {
		g.met.IncNavigatorCall(req.Tier.String(), "malformed")
		return session.Decision{}, err
	}

	g.met.IncNavigatorCall(req.Tier.String(), "ok")
	g.logger.Debug("navigator decision",
		zap.String("tier", req.Tier.String()),
		zap.String("model", g.Model(req.Tier)),
		zap.String("kind", string(d.Kind)),
		zap.Float64("confidence", d.Confidence),
		zap.Duration("latency", time.Since(start)))
	return d, nil
}

func (g *Gemini) buildContents(prompt string, req Request) ([]*genai.Content, error) {
	if req.Tier != Tier2Visual || req.Observation.Image == nil {
		return []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}, nil
	}

	img := req.Observation.Image
	data, err := base64.StdEncoding.DecodeString(img.Base64)
	if err != nil {
		return nil, faults.Newf(faults.KindValidation, "viewport image is not valid base64: %v", err)
	}
	parts := []*genai.Part{
		genai.NewPartFromText(prompt),
		genai.NewPartFromBytes(data, img.MIME),
	}
	return []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, nil
}

func collectText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var out string
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil && part.Text != "" {
			out += part.Text
		}
	}
	return out
}

var _ Navigator = (*Gemini)(nil)

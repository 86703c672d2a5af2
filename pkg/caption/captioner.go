// Package caption turns an input image into a short scene description that
// can stand in for an empty prompt.
package caption

import (
	"context"
	"fmt"
	"image"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/menta2k/depth-diffusion/pkg/client"
	"github.com/menta2k/depth-diffusion/pkg/processing"
)

// DefaultPrompt asks for a caption usable as a diffusion prompt
const DefaultPrompt = `Describe this image as a single prompt for an image generator.

RULES
- One sentence, at most 30 words.
- Name the main subject, the setting, and the lighting.
- No preamble such as "This image shows". No quotes, no markdown, no lists.
- Do not guess real identities.`

// DefaultMaxDim bounds the image sent to the model
const DefaultMaxDim = 768

// MaxWords caps the cleaned caption
const MaxWords = 40

// Captioner describes images with a vision model
type Captioner struct {
	client    client.VisionClient
	model     string
	prompt    string
	maxDim    int
	processor *processing.Processor
	logger    *zap.Logger
}

// Option configures a Captioner
type Option func(*Captioner)

// WithPrompt replaces the instruction sent with each image
func WithPrompt(prompt string) Option {
	return func(c *Captioner) { c.prompt = prompt }
}

// WithMaxDim changes the longest side of the image sent to the model
func WithMaxDim(n int) Option {
	return func(c *Captioner) { c.maxDim = n }
}

// WithLogger attaches a logger
func WithLogger(l *zap.Logger) Option {
	return func(c *Captioner) { c.logger = l }
}

// New creates a captioner for the given model
func New(vc client.VisionClient, model string, opts ...Option) *Captioner {
	c := &Captioner{
		client:    vc,
		model:     model,
		prompt:    DefaultPrompt,
		maxDim:    DefaultMaxDim,
		processor: processing.NewProcessor(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Caption returns a cleaned one-line description of img
func (c *Captioner) Caption(ctx context.Context, img image.Image) (string, error) {
	imgB64, err := c.processor.EncodeBase64(img, "jpg", c.maxDim, 90)
	if err != nil {
		return "", fmt.Errorf("failed to encode image: %w", err)
	}

	raw, err := c.client.Describe(ctx, c.model, c.prompt, imgB64)
	if err != nil {
		return "", err
	}

	text := Clean(raw)
	if text == "" {
		return "", fmt.Errorf("model %s returned an empty caption", c.model)
	}
	c.logger.Debug("image captioned", zap.String("model", c.model), zap.String("caption", text))
	return text, nil
}

var (
	preambleRe = regexp.MustCompile(`(?i)^(sure[,!.]?\s*)?(here is|here's)?\s*(a|the)?\s*(prompt|caption|description)?\s*:\s*`)
	leadRe     = regexp.MustCompile(`(?i)^(this|the) (image|photo|picture) (shows|depicts|features|is of)\s+`)
	spaceRe    = regexp.MustCompile(`\s+`)
)

// Clean strips fences, quotes, preambles and extra whitespace from a model
// reply and keeps at most MaxWords words of its first line
func Clean(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		if i := strings.Index(s, "\n"); i >= 0 {
			s = s[i+1:]
		}
		if j := strings.LastIndex(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	s = strings.TrimSpace(s)

	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = s[:i]
	}

	s = preambleRe.ReplaceAllString(s, "")
	s = leadRe.ReplaceAllString(s, "")
	s = strings.Trim(s, "\"'`* ")
	s = spaceRe.ReplaceAllString(s, " ")

	words := strings.Fields(s)
	if len(words) > MaxWords {
		words = words[:MaxWords]
	}
	s = strings.Join(words, " ")
	s = strings.TrimRight(s, ".,;: ")
	return s
}

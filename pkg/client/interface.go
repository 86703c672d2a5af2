package client

import (
	"context"
)

// VisionClient sends one image plus an instruction to a vision language
// model and returns its plain-text answer
type VisionClient interface {
	Describe(ctx context.Context, model, prompt, imgB64 string) (string, error)
}

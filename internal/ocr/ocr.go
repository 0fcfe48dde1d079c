// Package ocr extracts tracking numbers from shipping label photos.
package ocr

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/procurehq/rfq-engine/internal/config"
)

// Guess is one extraction attempt. Confidence is in [0, 1]; callers
// decide whether it clears their auto-apply threshold.
type Guess struct {
	TrackingNumber string  `json:"tracking_number"`
	Carrier        string  `json:"carrier"`
	Confidence     float64 `json:"confidence"`
	Method         string  `json:"method"`
}

// Extractor pulls a tracking guess out of a label file.
type Extractor interface {
	Extract(ctx context.Context, labelPath string) (Guess, error)
}

// NewExtractor creates an Extractor based on config.
func NewExtractor(cfg config.OCRConfig, mistralKey string) (Extractor, error) {
	switch cfg.Provider {
	case "pattern", "":
		return NewPattern(), nil
	case "mistral":
		if mistralKey == "" {
			return nil, eris.New("ocr: mistral provider requires mistral_api_key")
		}
		return NewMistralOCR(mistralKey, ""), nil
	default:
		return nil, eris.Errorf("ocr: unknown provider %q", cfg.Provider)
	}
}

package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"os"

	"github.com/rotisserie/eris"
)

const (
	mistralOCREndpoint  = "https://api.mistral.ai/v1/ocr"
	defaultMistralModel = "pixtral-large-latest"
)

// MistralOCR reads label photos with the Mistral OCR API, then runs the
// same format scan as the pattern provider over the recognized text.
// Guesses that came through real OCR carry the "mistral" method tag.
type MistralOCR struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
}

// NewMistralOCR creates a MistralOCR extractor. If model is empty, the default is used.
func NewMistralOCR(apiKey, model string) *MistralOCR {
	if model == "" {
		model = defaultMistralModel
	}
	return &MistralOCR{
		apiKey:   apiKey,
		model:    model,
		endpoint: mistralOCREndpoint,
		client:   &http.Client{},
	}
}

type mistralOCRRequest struct {
	Model    string             `json:"model"`
	Document mistralOCRDocument `json:"document"`
}

type mistralOCRDocument struct {
	Type     string `json:"type"`
	ImageURL string `json:"image_url"`
}

type mistralOCRResponse struct {
	Pages []mistralOCRPage `json:"pages"`
}

type mistralOCRPage struct {
	Index    int    `json:"index"`
	Markdown string `json:"markdown"`
}

func (m *MistralOCR) Extract(ctx context.Context, labelPath string) (Guess, error) {
	text, err := m.recognize(ctx, labelPath)
	if err != nil {
		return Guess{}, err
	}
	guess := ScanText(text)
	if guess.TrackingNumber != "" {
		guess.Method = "mistral"
	}
	return guess, nil
}

func (m *MistralOCR) recognize(ctx context.Context, labelPath string) (string, error) {
	data, err := os.ReadFile(labelPath)
	if err != nil {
		return "", eris.Wrapf(err, "ocr: read label %s", labelPath)
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	dataURL := "data:image/jpeg;base64," + encoded

	reqBody := mistralOCRRequest{
		Model: m.model,
		Document: mistralOCRDocument{
			Type:     "image_url",
			ImageURL: dataURL,
		},
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", eris.Wrap(err, "ocr: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", eris.Wrap(err, "ocr: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return "", eris.Wrap(err, "ocr: call mistral")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", eris.Errorf("ocr: mistral returned %d: %s", resp.StatusCode, string(body))
	}

	var parsed mistralOCRResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", eris.Wrap(err, "ocr: decode response")
	}

	var buf bytes.Buffer
	for _, page := range parsed.Pages {
		buf.WriteString(page.Markdown)
		buf.WriteByte('\n')
	}
	return buf.String(), nil
}

package decoder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// OCREngine turns a preprocessed PNG into text.
type OCREngine interface {
	Recognize(ctx context.Context, png []byte) (string, error)
}

// HTTPOCREngine posts the image as multipart field `file` and expects {"text": "..."} back.
type HTTPOCREngine struct {
	endpoint string
	client   *http.Client
}

func NewHTTPOCREngine(endpoint string, timeout time.Duration) *HTTPOCREngine {
	return &HTTPOCREngine{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type ocrResponse struct {
	Text  string `json:"text"`
	Error string `json:"error"`
}

func (e *HTTPOCREngine) Recognize(ctx context.Context, png []byte) (string, error) {
	var b bytes.Buffer
	mw := multipart.NewWriter(&b)
	fw, err := mw.CreateFormFile("file", "page.png")
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fw.Write(png); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, &b)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call ocr engine: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read ocr response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("ocr engine returned %d", resp.StatusCode)
	}
	var out ocrResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("failed to parse ocr response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("ocr engine: %s", out.Error)
	}
	return out.Text, nil
}

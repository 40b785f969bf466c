package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	htransport "google.golang.org/api/transport/http"
)

// ImageRequest - запрос к модели изображений.
type ImageRequest struct {
	Prompt      string
	AspectRatio string
	SampleCount int
}

// ImageResult - байты картинки и ее MIME тип.
type ImageResult struct {
	Bytes    []byte
	MimeType string
}

// ImageEngine - модель изображений.
type ImageEngine interface {
	GenerateImage(ctx context.Context, req ImageRequest) (*ImageResult, error)
}

// VertexImageEngine вызывает Imagen :predict.
type VertexImageEngine struct {
	httpClient *http.Client
	url        string
	logger     *zap.Logger
}

// NewVertexImageEngine создает клиента с учетными данными Google.
func NewVertexImageEngine(ctx context.Context, predictURL, credentialsFile string, logger *zap.Logger, extra ...option.ClientOption) (*VertexImageEngine, error) {
	opts := []option.ClientOption{option.WithScopes(cloudPlatformScope)}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	opts = append(opts, extra...)
	client, _, err := htransport.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("google authenticated http client: %w", err)
	}
	return newVertexImageEngine(client, predictURL, logger), nil
}

func newVertexImageEngine(client *http.Client, predictURL string, logger *zap.Logger) *VertexImageEngine {
	return &VertexImageEngine{httpClient: client, url: predictURL, logger: logger.Named("imagen")}
}

type predictInstance struct {
	Prompt string `json:"prompt"`
}

type predictParameters struct {
	SampleCount       int    `json:"sampleCount"`
	AspectRatio       string `json:"aspectRatio"`
	SafetyFilterLevel string `json:"safetyFilterLevel"`
	PersonGeneration  string `json:"personGeneration"`
}

type predictRequest struct {
	Instances  []predictInstance `json:"instances"`
	Parameters predictParameters `json:"parameters"`
}

// GenerateImage. Тело ответа об ошибке не логируется и не возвращается.
func (e *VertexImageEngine) GenerateImage(ctx context.Context, req ImageRequest) (*ImageResult, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, errors.New("image prompt is empty")
	}
	sampleCount := req.SampleCount
	if sampleCount <= 0 {
		sampleCount = 1
	}
	aspect := req.AspectRatio
	if aspect == "" {
		aspect = "1:1"
	}

	payload, err := json.Marshal(predictRequest{
		Instances: []predictInstance{{Prompt: prompt}},
		Parameters: predictParameters{
			SampleCount:       sampleCount,
			AspectRatio:       aspect,
			SafetyFilterLevel: "BLOCK_MEDIUM_AND_ABOVE",
			PersonGeneration:  "DONT_ALLOW",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal predict request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build predict request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			imageRequestsTotal.WithLabelValues("timeout").Inc()
			return nil, fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
		}
		imageRequestsTotal.WithLabelValues("transport_error").Inc()
		return nil, &UpstreamError{Status: http.StatusBadGateway, Service: "imagen", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		imageRequestsTotal.WithLabelValues(fmt.Sprintf("http_%d", resp.StatusCode)).Inc()
		ue := &UpstreamError{Status: resp.StatusCode, Service: "imagen", Err: errors.New("predict request failed")}
		e.logger.Warn("Imagen predict failed", zap.String("reason", ue.Reason()))
		return nil, ue
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		imageRequestsTotal.WithLabelValues("read_error").Inc()
		return nil, &UpstreamError{Status: http.StatusBadGateway, Service: "imagen", Err: err}
	}
	result, err := ExtractPrediction(body)
	if err != nil {
		imageRequestsTotal.WithLabelValues(err.Error()).Inc()
		return nil, err
	}
	imageRequestsTotal.WithLabelValues("ok").Inc()
	return result, nil
}

// ExtractPrediction достает base64 картинку из первого или второго элемента predictions.
func ExtractPrediction(body []byte) (*ImageResult, error) {
	if !gjson.ValidBytes(body) {
		return nil, ErrImageBadResponse
	}
	preds := gjson.GetBytes(body, "predictions")
	if !preds.IsArray() || len(preds.Array()) == 0 {
		return nil, ErrImageEmpty
	}

	arr := preds.Array()
	var b64, mime string
	for i := 0; i < len(arr) && i < 2; i++ {
		var ok bool
		if b64, mime, ok = pickBase64(arr[i]); ok {
			break
		}
	}
	if b64 == "" {
		return nil, ErrImageBadResponse
	}

	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, ErrImageBadResponse
	}
	if len(data) == 0 {
		return nil, ErrImageZeroBytes
	}
	if mime = strings.TrimSpace(mime); mime == "" {
		mime = "image/png"
	}
	return &ImageResult{Bytes: data, MimeType: mime}, nil
}

func pickBase64(pred gjson.Result) (string, string, bool) {
	if !pred.IsObject() {
		return "", "", false
	}
	mime := pred.Get("mimeType").String()

	for _, path := range []string{"bytesBase64Encoded", "bytes_base64_encoded"} {
		if v := nonEmptyString(pred.Get(path)); v != "" {
			return v, mime, true
		}
	}
	if img := pred.Get("image"); img.IsObject() {
		if v := nonEmptyString(img.Get("bytesBase64Encoded")); v != "" {
			return v, firstNonEmpty(img.Get("mimeType").String(), mime), true
		}
	}
	if imgs := pred.Get("images"); imgs.IsArray() {
		for _, img := range imgs.Array() {
			if v := nonEmptyString(img.Get("bytesBase64Encoded")); v != "" {
				return v, firstNonEmpty(img.Get("mimeType").String(), mime), true
			}
		}
	}
	return "", "", false
}

func nonEmptyString(r gjson.Result) string {
	if r.Type != gjson.String {
		return ""
	}
	return strings.TrimSpace(r.String())
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return a
	}
	return b
}

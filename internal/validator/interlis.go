package validator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultInterlisPollInterval = 2 * time.Second
	defaultInterlisMaxPolls     = 60
)

// InterlisValidator delegates validation of INTERLIS transfer files to an
// external ilicheck-compatible service over HTTP. The service accepts an
// upload, returns a status URL, and is polled until it reports a terminal
// state.
type InterlisValidator struct {
	baseURL      string
	client       *http.Client
	pollInterval time.Duration
	maxPolls     int
	log          zerolog.Logger
}

// InterlisOption customizes an InterlisValidator.
type InterlisOption func(*InterlisValidator)

func WithPollInterval(d time.Duration) InterlisOption {
	return func(v *InterlisValidator) { v.pollInterval = d }
}

func WithMaxPolls(n int) InterlisOption {
	return func(v *InterlisValidator) { v.maxPolls = n }
}

func WithHTTPClient(c *http.Client) InterlisOption {
	return func(v *InterlisValidator) { v.client = c }
}

func NewInterlisValidator(baseURL string, logger zerolog.Logger, opts ...InterlisOption) *InterlisValidator {
	v := &InterlisValidator{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       &http.Client{Timeout: 30 * time.Second},
		pollInterval: defaultInterlisPollInterval,
		maxPolls:     defaultInterlisMaxPolls,
		log:          logger.With().Str("validator", "interlis").Logger(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *InterlisValidator) Name() string { return "interlis" }

type interlisSettings struct {
	AcceptedFileTypes string `json:"acceptedFileTypes"`
}

// SupportedExtensions queries the service's settings endpoint. The accepted
// file types come back as a single comma-separated string.
func (v *InterlisValidator) SupportedExtensions(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/api/v1/settings", nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch settings: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch settings: unexpected status %d", resp.StatusCode)
	}

	var settings interlisSettings
	if err := json.NewDecoder(resp.Body).Decode(&settings); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}

	var extensions []string
	for _, ext := range strings.Split(settings.AcceptedFileTypes, ", ") {
		ext = strings.TrimSpace(ext)
		if ext == "" {
			continue
		}
		extensions = append(extensions, ext)
	}
	return extensions, nil
}

type interlisUploadResponse struct {
	StatusURL string `json:"statusUrl"`
}

type interlisStatusResponse struct {
	Status        Status            `json:"status"`
	StatusMessage string            `json:"statusMessage"`
	LogFiles      map[string]string `json:"logFiles"`
}

// Execute uploads the file, polls the returned status URL until the service
// reports a terminal status, and downloads any log files it produced. All
// transport failures, non-2xx responses and poll exhaustion yield a Failed
// outcome rather than an error.
func (v *InterlisValidator) Execute(ctx context.Context, r io.Reader, fileName string) (*Outcome, error) {
	if outcome := v.checkExtension(ctx, fileName); outcome != nil {
		return outcome, nil
	}

	statusURL, err := v.upload(ctx, r, fileName)
	if err != nil {
		v.log.Warn().Err(err).Str("file", fileName).Msg("upload to validation service failed")
		return &Outcome{Status: StatusFailed, Message: "upload to validation service failed"}, nil
	}

	for i := 0; i < v.maxPolls; i++ {
		select {
		case <-ctx.Done():
			return &Outcome{Status: StatusFailed, Message: "validation cancelled"}, nil
		case <-time.After(v.pollInterval):
		}

		status, err := v.pollStatus(ctx, statusURL)
		if err != nil {
			v.log.Warn().Err(err).Str("file", fileName).Msg("polling validation status failed")
			return &Outcome{Status: StatusFailed, Message: "polling validation status failed"}, nil
		}
		if status.Status == StatusProcessing {
			continue
		}

		outcome := &Outcome{Status: status.Status, Message: status.StatusMessage}
		if len(status.LogFiles) > 0 {
			outcome.Logs = v.downloadLogs(ctx, status.LogFiles)
		}
		return outcome, nil
	}

	v.log.Warn().Str("file", fileName).Int("polls", v.maxPolls).Msg("validation service did not finish in time")
	return &Outcome{Status: StatusFailed, Message: "validation service did not finish in time"}, nil
}

// checkExtension re-fetches the capability list right before uploading. The
// service's accepted types can change between dispatch and execution; an
// unsupported file is rejected as CompletedWithErrors, never uploaded.
func (v *InterlisValidator) checkExtension(ctx context.Context, fileName string) *Outcome {
	extensions, err := v.SupportedExtensions(ctx)
	if err != nil {
		v.log.Warn().Err(err).Msg("failed to fetch supported extensions")
		return &Outcome{Status: StatusFailed, Message: "validation service unreachable"}
	}
	ext := strings.ToLower(path.Ext(fileName))
	for _, supported := range extensions {
		if strings.EqualFold(supported, ext) {
			return nil
		}
	}
	return &Outcome{
		Status:  StatusCompletedWithErrors,
		Message: fmt.Sprintf("file type %s is not supported", ext),
	}
}

func (v *InterlisValidator) upload(ctx context.Context, r io.Reader, fileName string) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", fileName)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", fmt.Errorf("write multipart body: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/api/v1/upload", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("upload: unexpected status %d", resp.StatusCode)
	}

	var uploaded interlisUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&uploaded); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if uploaded.StatusURL == "" {
		return "", fmt.Errorf("upload response missing statusUrl")
	}
	return v.absoluteURL(uploaded.StatusURL)
}

func (v *InterlisValidator) pollStatus(ctx context.Context, statusURL string) (*interlisStatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll status: unexpected status %d", resp.StatusCode)
	}

	var status interlisStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	return &status, nil
}

// downloadLogs fetches each reported log file. A log that cannot be fetched
// is skipped; partial logs are better than no result.
func (v *InterlisValidator) downloadLogs(ctx context.Context, logFiles map[string]string) map[string]string {
	logs := make(map[string]string, len(logFiles))
	for name, location := range logFiles {
		content, err := v.downloadLog(ctx, location)
		if err != nil {
			v.log.Warn().Err(err).Str("log", name).Msg("failed to download validation log")
			continue
		}
		logs[name] = content
	}
	return logs
}

func (v *InterlisValidator) downloadLog(ctx context.Context, location string) (string, error) {
	logURL, err := v.absoluteURL(location)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, logURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// absoluteURL resolves service-relative paths against the base URL.
func (v *InterlisValidator) absoluteURL(location string) (string, error) {
	parsed, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", location, err)
	}
	if parsed.IsAbs() {
		return location, nil
	}
	if !strings.HasPrefix(location, "/") {
		location = "/" + location
	}
	return v.baseURL + location, nil
}

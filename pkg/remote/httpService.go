package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/viant/afs"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"

	"github.com/zoff-tech/offline-sync/pkg/config"
	"github.com/zoff-tech/offline-sync/schema"
)

// Endpoints of the portal API.
const (
	CheckInPath   = "/attendance/check-in"
	CheckOutPath  = "/attendance/check-out"
	ComplaintPath = "/complaints"
	HealthPath    = "/health"
)

const maxErrorBody = 512

// HTTPService calls the portal REST API.
type HTTPService struct {
	baseURL string
	client  *http.Client
	fs      afs.Service
}

func NewHTTPService(cfg *config.RemoteSettings) (*HTTPService, error) {
	if cfg.URL == "" {
		return nil, errors.New("remote URL cannot be empty")
	}

	var transport http.RoundTripper = otelhttp.NewTransport(http.DefaultTransport)
	if cfg.Token != "" {
		transport = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "Bearer"}),
			Base:   transport,
		}
	}

	return &HTTPService{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		client:  &http.Client{Transport: transport, Timeout: cfg.Timeout},
		fs:      afs.New(),
	}, nil
}

func (s *HTTPService) CheckIn(ctx context.Context, idempotencyKey string, p schema.CheckIn) error {
	return s.postJSON(ctx, "CheckIn", CheckInPath, idempotencyKey, p)
}

func (s *HTTPService) CheckOut(ctx context.Context, idempotencyKey string, p schema.CheckOut) error {
	return s.postJSON(ctx, "CheckOut", CheckOutPath, idempotencyKey, p)
}

// SubmitComplaint posts the complaint as a multipart form. Attached media is
// read from its URI and sent as media_<i> file parts.
func (s *HTTPService) SubmitComplaint(ctx context.Context, idempotencyKey string, p schema.Complaint) error {
	const op = "SubmitComplaint"

	body := &bytes.Buffer{}
	form := multipart.NewWriter(body)

	fields := [][2]string{
		{"category", p.Category},
		{"description", p.Description},
		{"anonymous", strconv.FormatBool(p.Anonymous)},
	}
	if p.Location != nil {
		fields = append(fields,
			[2]string{"latitude", strconv.FormatFloat(p.Location.Latitude, 'f', -1, 64)},
			[2]string{"longitude", strconv.FormatFloat(p.Location.Longitude, 'f', -1, 64)},
		)
	}
	for _, field := range fields {
		if err := form.WriteField(field[0], field[1]); err != nil {
			return terminalError(op, err)
		}
	}

	for i, media := range p.Media {
		if err := s.attach(ctx, form, fmt.Sprintf("media_%d", i), media); err != nil {
			return err
		}
	}
	if err := form.Close(); err != nil {
		return terminalError(op, err)
	}

	return s.post(ctx, op, ComplaintPath, idempotencyKey, form.FormDataContentType(), body)
}

func (s *HTTPService) attach(ctx context.Context, form *multipart.Writer, field string, media schema.MediaRef) error {
	const op = "SubmitComplaint"

	exists, err := s.fs.Exists(ctx, media.URI)
	if err != nil {
		return transientError(op, fmt.Errorf("failed to stat media %s: %w", media.URI, err))
	}
	if !exists {
		return terminalError(op, fmt.Errorf("media %s no longer exists", media.URI))
	}
	data, err := s.fs.DownloadWithURL(ctx, media.URI)
	if err != nil {
		return transientError(op, fmt.Errorf("failed to read media %s: %w", media.URI, err))
	}

	name := media.Name
	if name == "" {
		name = path.Base(media.URI)
	}
	contentType := media.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, name))
	header.Set("Content-Type", contentType)
	part, err := form.CreatePart(header)
	if err != nil {
		return terminalError(op, err)
	}
	if _, err := part.Write(data); err != nil {
		return terminalError(op, err)
	}
	return nil
}

func (s *HTTPService) postJSON(ctx context.Context, op, endpoint, idempotencyKey string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return terminalError(op, fmt.Errorf("failed to encode payload: %w", err))
	}
	return s.post(ctx, op, endpoint, idempotencyKey, "application/json", bytes.NewReader(data))
}

func (s *HTTPService) post(ctx context.Context, op, endpoint, idempotencyKey, contentType string, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+endpoint, body)
	if err != nil {
		return terminalError(op, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(IdempotencyHeader, idempotencyKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return transientError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return statusError(op, resp.StatusCode, strings.TrimSpace(string(msg)))
}

// Ping reports whether the portal health endpoint answers with a 2xx status.
func (s *HTTPService) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+HealthPath, nil)
	if err != nil {
		return terminalError("Ping", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return transientError("Ping", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return statusError("Ping", resp.StatusCode, "")
}

func (s *HTTPService) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

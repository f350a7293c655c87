package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/islishude/sett/internal/progress"
)

// LiquidFiles uploads each package as an attachment and then sends one
// message that carries all of them to the configured recipients. The
// message is the completion signal; the server has no envelope directory.
type LiquidFiles struct {
	HTTP *http.Client
}

func (LiquidFiles) Name() string { return "liquidfiles" }

func (b LiquidFiles) Setup(_ context.Context, conn Connection, _ UploadOptions, log *slog.Logger) (Session, error) {
	base, err := url.Parse(strings.TrimSuffix(conn.Host, "/"))
	if err != nil || (base.Scheme != "https" && base.Scheme != "http") || base.Host == "" {
		return nil, fmt.Errorf("invalid liquidfiles server url %q", conn.Host)
	}
	client := b.HTTP
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Minute}
	}
	return &liquidFilesSession{base: base, http: client, conn: conn, log: log}, nil
}

type liquidFilesSession struct {
	base *url.URL
	http *http.Client
	conn Connection
	log  *slog.Logger
}

func (s *liquidFilesSession) endpoint(p string, q url.Values) string {
	u := *s.base
	u.Path = strings.TrimSuffix(u.Path, "/") + p
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *liquidFilesSession) do(req *http.Request) ([]byte, error) {
	req.SetBasicAuth(s.conn.APIKey, "x")
	req.Header.Set("Accept", "application/json")
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("liquidfiles rejected the api key: %s", resp.Status)
	case resp.StatusCode/100 != 2:
		return nil, fmt.Errorf("liquidfiles %s %s: %s: %s", req.Method, req.URL.Path, resp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func (s *liquidFilesSession) Upload(ctx context.Context, envelope string, files []File, tracker *progress.Tracker) (string, error) {
	ids := make([]string, 0, len(files))
	for _, f := range files {
		id, err := s.attach(ctx, f, tracker)
		if err != nil {
			return "", fmt.Errorf("uploading %s: %w", f.Name, err)
		}
		s.log.Info("uploaded", "file", f.Name, "attachment", id)
		ids = append(ids, id)
	}
	subject := s.conn.Subject
	if subject == "" {
		subject = "sett transfer " + envelope
	}
	payload := map[string]any{"message": map[string]any{
		"recipients":  s.conn.Recipients,
		"subject":     subject,
		"message":     s.conn.Message,
		"attachments": ids,
	}}
	doc, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint("/message", nil), bytes.NewReader(doc))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	body, err := s.do(req)
	if err != nil {
		return "", fmt.Errorf("sending message: %w", err)
	}
	var out struct {
		Message struct {
			ID string `json:"id"`
		} `json:"message"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("parsing message response: %w", err)
	}
	return s.base.String() + "/message/" + out.Message.ID, nil
}

func (s *liquidFilesSession) attach(ctx context.Context, f File, tracker *progress.Tracker) (string, error) {
	src, err := os.Open(f.Path)
	if err != nil {
		return "", err
	}
	defer src.Close() //nolint:errcheck
	u := s.endpoint("/attachments/binary_upload", url.Values{"filename": {f.Name}})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, progress.Reader(src, tracker))
	if err != nil {
		return "", err
	}
	req.ContentLength = f.Size
	req.Header.Set("Content-Type", "application/octet-stream")
	body, err := s.do(req)
	if err != nil {
		return "", err
	}
	return attachmentID(body)
}

// attachmentID accepts the plain text id or a JSON attachment object.
func attachmentID(body []byte) (string, error) {
	text := strings.TrimSpace(string(body))
	if strings.HasPrefix(text, "{") {
		var out struct {
			Attachment struct {
				ID string `json:"id"`
			} `json:"attachment"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return "", fmt.Errorf("parsing attachment response: %w", err)
		}
		text = out.Attachment.ID
	}
	if text == "" {
		return "", fmt.Errorf("liquidfiles returned no attachment id")
	}
	return text, nil
}

func (s *liquidFilesSession) Close() error {
	s.http.CloseIdleConnections()
	return nil
}

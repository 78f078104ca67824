package remote

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go-case-intake/intake"
)

const DefaultTimeout = 30 * time.Second

// maxErrorBody bounds how much of an error response is read for its detail.
const maxErrorBody = 64 << 10

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

func setAuthorization(req *http.Request, authorization string) {
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
}

// do executes req and decodes a 2xx JSON body into out. Any other outcome is an
// *intake.TransportError carrying the server's detail when it sent one.
func do(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return &intake.TransportError{Err: fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		detail := errorDetail(body)
		slog.Warn("Remote call failed", "method", req.Method, "path", req.URL.Path, "status", resp.StatusCode, "detail", detail)
		return &intake.TransportError{StatusCode: resp.StatusCode, Message: detail}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &intake.TransportError{StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

// errorDetail extracts the "detail" or "message" of a JSON error body.
func errorDetail(body []byte) string {
	var payload struct {
		Detail  json.RawMessage `json:"detail"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}

	var detail string
	if json.Unmarshal(payload.Detail, &detail) == nil && detail != "" {
		return detail
	}
	return payload.Message
}

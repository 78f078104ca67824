package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go-case-intake/intake"
	"go-case-intake/models"
)

// Queries issued for each verification step.
var verificationQueries = map[intake.Step]string{
	intake.StepWorkID: `query VerifyDoctorId($doctorId: String!) {
  verifyDoctorId(doctorid: $doctorId) { success message body { id step } }
}`,
	intake.StepName: `query VerifyUsername($fName: String!, $lName: String!) {
  verifyUsername(fName: $fName, lName: $lName) { success message body { id step } }
}`,
	intake.StepDateOfBirth: `query VerifyDob($dob: String!) {
  verifyDob(dob: $dob) { success message body { id step } }
}`,
}

// VerificationClient implements intake.Verifier against the GraphQL
// verification service.
type VerificationClient struct {
	url        string
	httpClient *http.Client
}

func NewVerificationClient(url string, timeout time.Duration) *VerificationClient {
	return &VerificationClient{
		url:        url,
		httpClient: newHTTPClient(timeout),
	}
}

func variables(step intake.Step, input intake.StepInput) map[string]any {
	switch step {
	case intake.StepWorkID:
		return map[string]any{"doctorId": input.WorkID}
	case intake.StepName:
		return map[string]any{"fName": input.FirstName, "lName": input.LastName}
	default:
		return map[string]any{"dob": input.DateOfBirth}
	}
}

func (c *VerificationClient) Verify(ctx context.Context, step intake.Step, input intake.StepInput, authorization string) (intake.Result, error) {
	query, ok := verificationQueries[step]
	if !ok {
		return intake.Result{}, fmt.Errorf("%w: no query for step %s", intake.ErrUnexpected, step)
	}

	jsonData, err := json.Marshal(models.GraphQLRequest{Query: query, Variables: variables(step, input)})
	if err != nil {
		return intake.Result{}, fmt.Errorf("failed to marshal verification request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(jsonData))
	if err != nil {
		return intake.Result{}, fmt.Errorf("failed to create verification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	setAuthorization(req, authorization)

	var resp models.GraphQLResponse
	if err := do(c.httpClient, req, &resp); err != nil {
		return intake.Result{}, err
	}

	if len(resp.Errors) > 0 {
		messages := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			messages = append(messages, e.Message)
		}
		slog.Warn("Verification query returned errors", "operation", step.Operation(), "errors", messages)
		return intake.Result{}, &intake.TransportError{Err: fmt.Errorf("graphql: %s", strings.Join(messages, "; "))}
	}

	payload := resp.Data[step.Operation()]
	if payload == nil {
		return intake.Result{}, fmt.Errorf("%w: missing %s in response", intake.ErrUnexpected, step.Operation())
	}

	result := intake.Result{OK: payload.Success, Message: payload.Message}
	if payload.Success {
		token, err := compactToken(payload.Body)
		if err != nil {
			return intake.Result{}, fmt.Errorf("%w: %v", intake.ErrUnexpected, err)
		}
		result.Token = token
	}

	slog.Info("Verification completed", "operation", step.Operation(), "success", payload.Success)
	return result, nil
}

// compactToken serializes the response body as the token. A missing or null
// body yields no token.
func compactToken(body json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, fmt.Errorf("invalid token body: %w", err)
	}
	return buf.Bytes(), nil
}

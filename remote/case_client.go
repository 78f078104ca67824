package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"go-case-intake/intake"
	"go-case-intake/models"
)

// CaseClient implements intake.CaseService against the case-form service.
type CaseClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewCaseClient(baseURL string, timeout time.Duration) *CaseClient {
	return &CaseClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: newHTTPClient(timeout),
	}
}

func (c *CaseClient) sessionURL(id intake.SessionID) string {
	return fmt.Sprintf("%s/%s", c.baseURL, url.PathEscape(string(id)))
}

// Submit posts the record as a multi-part form: one text part per scalar field,
// the position as JSON or null, and one "files" part per attachment.
func (c *CaseClient) Submit(ctx context.Context, record intake.CaseRecord, authorization string) (intake.SessionID, error) {
	body, contentType, err := encodeMultipart(record)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/", body)
	if err != nil {
		return "", fmt.Errorf("failed to create submit request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	setAuthorization(req, authorization)

	var resp models.SubmitResponse
	if err := do(c.httpClient, req, &resp); err != nil {
		return "", err
	}
	if !resp.Success {
		return "", &intake.RemoteError{Detail: resp.Detail}
	}
	if resp.FormID == "" {
		return "", fmt.Errorf("%w: submit succeeded without a form id", intake.ErrUnexpected)
	}

	slog.Info("Case drafted", "session_id", resp.FormID, "files", len(record.Files))
	return intake.SessionID(resp.FormID), nil
}

func encodeMultipart(record intake.CaseRecord) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for _, name := range intake.ScalarFields {
		value, _ := record.Field(name)
		if err := w.WriteField(name, value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", name, err)
		}
	}

	position := []byte("null")
	if record.Position != nil {
		var err error
		if position, err = json.Marshal(record.Position); err != nil {
			return nil, "", fmt.Errorf("failed to marshal position: %w", err)
		}
	}
	if err := w.WriteField("position", string(position)); err != nil {
		return nil, "", fmt.Errorf("failed to write position: %w", err)
	}

	for _, file := range record.Files {
		contentType := file.ContentType
		if contentType == "" {
			contentType = mimetype.Detect(file.Data).String()
		}

		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, file.Name))
		header.Set("Content-Type", contentType)
		part, err := w.CreatePart(header)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create part for %s: %w", file.Name, err)
		}
		if _, err := part.Write(file.Data); err != nil {
			return nil, "", fmt.Errorf("failed to write %s: %w", file.Name, err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish multipart body: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

// Fetch reads back the record drafted under id.
func (c *CaseClient) Fetch(ctx context.Context, id intake.SessionID, authorization string) (intake.RecordPatch, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.sessionURL(id), nil)
	if err != nil {
		return intake.RecordPatch{}, fmt.Errorf("failed to create fetch request: %w", err)
	}
	setAuthorization(req, authorization)

	var resp models.FetchResponse
	if err := do(c.httpClient, req, &resp); err != nil {
		return intake.RecordPatch{}, err
	}
	if !resp.Success {
		return intake.RecordPatch{}, &intake.RemoteError{Detail: resp.Detail}
	}
	if resp.Body == nil {
		return intake.RecordPatch{}, nil
	}
	return patchFromForm(*resp.Body), nil
}

func patchFromForm(form models.CaseForm) intake.RecordPatch {
	patch := intake.RecordPatch{
		AccompIdent:     form.AccompIdent,
		StatusDisease:   form.StatusDisease,
		StatusCondition: form.StatusCondition,
		StatusSymptom:   form.StatusSymptom,
		Province:        form.Province,
		District:        form.District,
	}
	if form.AgeIdentity != nil {
		age := string(*form.AgeIdentity)
		patch.AgeIdentity = &age
	}
	if form.Position != nil && form.Position.Valid {
		patch.Position = &intake.Coordinate{Lat: form.Position.Lat, Lng: form.Position.Lng}
	}
	if form.Files != nil {
		patch.FileNames = make([]string, 0, len(form.Files))
		for _, f := range form.Files {
			patch.FileNames = append(patch.FileNames, f.Filename)
		}
	}
	return patch
}

func formFromRecord(id intake.SessionID, record intake.CaseRecord) models.CaseForm {
	age := models.FlexString(record.AgeIdentity)
	form := models.CaseForm{
		ID:              string(id),
		AgeIdentity:     &age,
		AccompIdent:     &record.AccompIdent,
		StatusDisease:   &record.StatusDisease,
		StatusCondition: &record.StatusCondition,
		StatusSymptom:   &record.StatusSymptom,
		Province:        &record.Province,
		District:        &record.District,
		Position:        &models.EncodedPosition{},
		Files:           make([]models.FileInfo, 0, len(record.Files)),
	}
	if record.Position != nil {
		form.Position = &models.EncodedPosition{
			Position: models.Position{Lat: record.Position.Lat, Lng: record.Position.Lng},
			Valid:    true,
		}
	}
	for _, f := range record.Files {
		form.Files = append(form.Files, models.FileInfo{Filename: f.Name})
	}
	return form
}

// Confirm posts the full record as JSON to the session and returns the
// completion message.
func (c *CaseClient) Confirm(ctx context.Context, id intake.SessionID, record intake.CaseRecord, authorization string) (string, error) {
	jsonData, err := json.Marshal(formFromRecord(id, record))
	if err != nil {
		return "", fmt.Errorf("failed to marshal confirm request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.sessionURL(id), bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create confirm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	setAuthorization(req, authorization)

	var resp models.ConfirmResponse
	if err := do(c.httpClient, req, &resp); err != nil {
		return "", err
	}
	if !resp.Success {
		return "", &intake.RemoteError{Detail: resp.Detail}
	}

	slog.Info("Case confirmed", "session_id", id)
	return resp.Detail, nil
}

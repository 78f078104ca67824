package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// SubmitResponse is returned by the multipart case submission.
type SubmitResponse struct {
	Success bool   `json:"success"`
	FormID  string `json:"form_id,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// FetchResponse is returned when a drafted case is read back.
type FetchResponse struct {
	Success bool      `json:"success"`
	Body    *CaseForm `json:"body,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// ConfirmResponse is returned by the final write of a case.
type ConfirmResponse struct {
	Success bool   `json:"success"`
	Detail  string `json:"detail,omitempty"`
}

type FileInfo struct {
	Filename string `json:"filename"`
}

type Position struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// CaseForm is a case record as the case service stores it. Pointer fields are
// nil when the key was absent from the document.
type CaseForm struct {
	ID              string           `json:"id,omitempty"`
	AgeIdentity     *FlexString      `json:"ageIdentity,omitempty"`
	AccompIdent     *string          `json:"accompIdent,omitempty"`
	StatusDisease   *string          `json:"statusDisease,omitempty"`
	StatusCondition *string          `json:"statusCondition,omitempty"`
	StatusSymptom   *string          `json:"statusSymptom,omitempty"`
	Province        *string          `json:"province,omitempty"`
	District        *string          `json:"district,omitempty"`
	Position        *EncodedPosition `json:"position,omitempty"`
	Files           []FileInfo       `json:"files,omitempty"`
}

// FlexString accepts a JSON string or number. The service stores age identity
// as whatever the form sent.
type FlexString string

func (s *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = FlexString(v)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	*s = FlexString(n.String())
	return nil
}

func (s FlexString) MarshalJSON() ([]byte, error) {
	if n, err := strconv.ParseInt(string(s), 10, 64); err == nil && strconv.FormatInt(n, 10) == string(s) {
		return []byte(s), nil
	}
	return json.Marshal(string(s))
}

// EncodedPosition decodes a position sent either as an object or as a JSON
// string holding the object. A null position leaves Valid false.
type EncodedPosition struct {
	Position
	Valid bool
}

func (p *EncodedPosition) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*p = EncodedPosition{}
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return err
		}
		return p.UnmarshalJSON([]byte(inner))
	}

	var pos Position
	if err := json.Unmarshal(data, &pos); err != nil {
		return fmt.Errorf("invalid position: %w", err)
	}
	*p = EncodedPosition{Position: pos, Valid: true}
	return nil
}

func (p EncodedPosition) MarshalJSON() ([]byte, error) {
	if !p.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(p.Position)
}

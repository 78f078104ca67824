package models

import "encoding/json"

// GraphQLRequest is the body posted to the verification endpoint.
type GraphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type GraphQLError struct {
	Message string `json:"message"`
}

// GraphQLResponse carries the per-operation results keyed by operation name.
type GraphQLResponse struct {
	Data   map[string]*VerificationResponse `json:"data"`
	Errors []GraphQLError                   `json:"errors,omitempty"`
}

// VerificationResponse is returned by verifyDoctorId, verifyUsername and verifyDob.
// Body holds the opaque token {"id","step"}.
type VerificationResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Body    json.RawMessage `json:"body,omitempty"`
}

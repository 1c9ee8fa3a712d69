package api

import (
	"encoding/json"
)

// ResponseRaw represents a REST response.
type ResponseRaw struct {
	Type ResponseType `json:"type" yaml:"type"`

	// Valid only for Sync responses
	Status     string `json:"status" yaml:"status"`
	StatusCode int    `json:"status_code" yaml:"status_code"`

	// Valid only for Error responses
	Code  int    `json:"error_code" yaml:"error_code"`
	Error string `json:"error" yaml:"error"`

	Metadata any `json:"metadata" yaml:"metadata"`
}

// Response represents a REST response with decoded metadata.
type Response struct {
	ResponseRaw `yaml:",inline"`
	Metadata    json.RawMessage `json:"metadata" yaml:"metadata"`
}

// MetadataAsStruct parses the response metadata into the provided struct.
func (r *Response) MetadataAsStruct(target any) error {
	return json.Unmarshal(r.Metadata, target)
}

// ResponseType represents a valid REST response type.
type ResponseType string

// REST response types.
const (
	SyncResponse  ResponseType = "sync"
	ErrorResponse ResponseType = "error"
)

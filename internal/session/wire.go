package session

import (
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/timberline/internal/records"
)

// Message types of the sync protocol. Entity rows travel as "<kind>_update"
// and "<kind>_deletion".
const (
	MessageConnectionStatus       = "connection_status"
	MessageAuthenticationRequest  = "authentication_request"
	MessageAuthenticationResponse = "authentication_response"
	MessageSyncRequest            = "sync_request"
	MessageSyncFromServerComplete = "sync_from_server_complete"
	MessageSyncComplete           = "sync_complete"
	MessageSyncToServerComplete   = "sync_to_server_complete"
	MessageMutationResponse       = "mutation_response"
	MessagePing                   = "ping"
	MessagePong                   = "pong"
	MessageError                  = "error"
)

const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// Mutation statuses reported in mutation_response.
const (
	MutationApplied   = "applied"
	MutationRejected  = "rejected"
	MutationDuplicate = "duplicate"
	MutationInvalid   = "invalid"
)

// Envelope frames every message on the wire.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
	ID        string          `json:"id,omitempty"`
}

// DecodeEnvelope parses one inbound frame.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return envelope, nil
}

func encodeEnvelope(messageType, id string, timestamp int64, data any) ([]byte, error) {
	envelope := Envelope{Type: messageType, ID: id, Timestamp: timestamp}
	switch value := data.(type) {
	case nil:
	case json.RawMessage:
		envelope.Data = value
	default:
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", messageType, err)
		}
		envelope.Data = raw
	}
	return json.Marshal(envelope)
}

type connectionStatusPayload struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// AuthenticationRequest is the first message a client sends.
type AuthenticationRequest struct {
	APIKey string `json:"apiKey"`
	Cursor int64  `json:"cursor"`
}

// AuthenticationResponse answers an authentication request.
type AuthenticationResponse struct {
	Authenticated records.Flag  `json:"authenticated"`
	ID            string        `json:"id,omitempty"`
	Name          string        `json:"name,omitempty"`
	Role          *records.Role `json:"role,omitempty"`
	Tenant        string        `json:"tenant,omitempty"`
	LastEdit      int64         `json:"lastEdit,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// SyncRequest asks the server to replay the change log after Cursor.
type SyncRequest struct {
	Cursor int64 `json:"cursor"`
}

// SyncFromServerComplete ends a catch-up and carries the resume cursor.
type SyncFromServerComplete struct {
	Cursor int64 `json:"cursor"`
}

// MutationResponse reports the outcome of one inbound mutation to its submitter.
type MutationResponse struct {
	MutationID string         `json:"mutationId"`
	Kind       records.Kind   `json:"kind,omitempty"`
	EntityID   string         `json:"entityId,omitempty"`
	Status     string         `json:"status"`
	Row        records.Entity `json:"row,omitempty"`
	Cursor     int64          `json:"cursor,omitempty"`
	Error      string         `json:"error,omitempty"`
	Detail     string         `json:"detail,omitempty"`
}

type errorPayload struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func entryMessageType(entry records.ChangeEntry) string {
	if entry.Deleted {
		return entry.Kind.DeletionMessage()
	}
	return entry.Kind.UpdateMessage()
}

package bitrix

import (
	"encoding/json"
	"fmt"
)

// authResponse is the OAuth token endpoint response. Refresh tokens rotate:
// every successful exchange returns a new pair.
type authResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Error        string `json:"error,omitempty"`
	ErrorDesc    string `json:"error_description,omitempty"`
}

// apiResponse is the common REST envelope. Result is left raw because its
// shape depends on the method (a bare id for add operations, an object list
// for list operations).
type apiResponse struct {
	Result    json.RawMessage `json:"result"`
	Error     string          `json:"error,omitempty"`
	ErrorDesc string          `json:"error_description,omitempty"`
}

// ContactID is a numeric id that the REST surface serializes as a
// string in list responses.
type ContactID int64

func (id *ContactID) UnmarshalJSON(raw []byte) error {
	parsed, err := parseID(raw)
	if err != nil {
		return err
	}
	*id = ContactID(parsed)
	return nil
}

// Contact is the subset of CRM contact fields the bridge reads back.
type Contact struct {
	ID       ContactID `json:"ID"`
	Name     string    `json:"NAME"`
	LastName string    `json:"LAST_NAME"`
}

// APIError is a non-success response from the CRM REST surface.
type APIError struct {
	Code        string
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("crm api error %s: %s", e.Code, e.Description)
}

type phoneField struct {
	Value     string `json:"VALUE"`
	ValueType string `json:"VALUE_TYPE"`
}

type contactFields struct {
	Name  string       `json:"NAME"`
	Phone []phoneField `json:"PHONE"`
}

type sendMessageParams struct {
	DialogID string `json:"DIALOG_ID"`
	Message  string `json:"MESSAGE"`
	System   string `json:"SYSTEM"`
}

type connectorUser struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

type connectorMessageBody struct {
	Text string `json:"text"`
	Date string `json:"date"`
}

type connectorMessage struct {
	ExternalID string               `json:"external_id"`
	User       connectorUser        `json:"user"`
	Message    connectorMessageBody `json:"message"`
}

type createChatParams struct {
	Connector string             `json:"CONNECTOR"`
	Line      string             `json:"LINE"`
	Messages  []connectorMessage `json:"MESSAGES"`
}

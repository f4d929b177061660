package bitrix

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"whatrix/internal/constants"
	"whatrix/internal/errors"
	"whatrix/internal/models"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

// Client issues CRM REST operations. Every call goes through the token
// guardian first; the bearer token travels as the auth query parameter and
// is redacted from logs.
type Client struct {
	http          *resty.Client
	guardian      *TokenGuardian
	portalAddress string
	connectorLine string
	logger        *logrus.Logger
}

func NewClient(cfg models.CrmConfig, store CredentialStore, logger *logrus.Logger) *Client {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	httpClient := resty.New().SetTimeout(timeout)

	return &Client{
		http:          httpClient,
		guardian:      NewTokenGuardian(store, resty.New().SetTimeout(timeout), constants.TokenRefreshMarginMin*time.Minute, logger),
		portalAddress: cfg.PortalAddress,
		connectorLine: cfg.ConnectorLine,
		logger:        logger,
	}
}

// Guardian exposes the token guardian for health checks and tests.
func (c *Client) Guardian() *TokenGuardian {
	return c.guardian
}

// CreateContact creates a CRM contact and returns its numeric id.
func (c *Client) CreateContact(ctx context.Context, name, phone string) (int64, error) {
	body := map[string]interface{}{
		"fields": contactFields{
			Name:  name,
			Phone: []phoneField{{Value: phone, ValueType: "WORK"}},
		},
	}

	result, err := c.call(ctx, "crm.contact.add", body)
	if err != nil {
		return 0, err
	}

	contactID, err := parseID(result)
	if err != nil {
		return 0, fmt.Errorf("parse contact id: %w", err)
	}

	c.logger.WithField("crmContactId", contactID).Info("CRM contact created")
	return contactID, nil
}

// CreateChat creates the CRM-side chat entity bound to the external
// conversation and returns the chat id.
func (c *Client) CreateChat(ctx context.Context, entityID, title string) (int64, error) {
	body := createChatParams{
		Connector: "custom",
		Line:      c.connectorLine,
		Messages: []connectorMessage{{
			ExternalID: entityID,
			User:       connectorUser{Name: title},
			Message: connectorMessageBody{
				Text: "Conversation started",
				Date: time.Now().UTC().Format(time.RFC3339),
			},
		}},
	}

	result, err := c.call(ctx, "imconnector.send.messages", body)
	if err != nil {
		return 0, err
	}

	chatID, err := parseID(result)
	if err != nil {
		return 0, fmt.Errorf("parse chat id: %w", err)
	}

	c.logger.WithField("crmChatId", chatID).Info("CRM chat created")
	return chatID, nil
}

// SendMessage posts a message into an existing CRM chat and returns the
// message id.
func (c *Client) SendMessage(ctx context.Context, dialogID, body string, system bool) (int64, error) {
	systemFlag := "N"
	if system {
		systemFlag = "Y"
	}

	result, err := c.call(ctx, "im.message.add", sendMessageParams{
		DialogID: dialogID,
		Message:  body,
		System:   systemFlag,
	})
	if err != nil {
		return 0, err
	}

	messageID, err := parseID(result)
	if err != nil {
		return 0, fmt.Errorf("parse message id: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"dialogId":     dialogID,
		"crmMessageId": messageID,
	}).Info("Message sent to CRM chat")
	return messageID, nil
}

// FindContactByPhone looks up an existing contact by phone. Best effort:
// no-match and errors both return nil; callers treat the result as a hint.
func (c *Client) FindContactByPhone(ctx context.Context, phone string) (*Contact, error) {
	body := map[string]interface{}{
		"filter": map[string]string{"PHONE": phone},
		"select": []string{"ID", "NAME", "LAST_NAME", "PHONE"},
	}

	result, err := c.call(ctx, "crm.contact.list", body)
	if err != nil {
		c.logger.WithError(err).WithField("phone", maskPhone(phone)).
			Warn("Contact lookup by phone failed")
		return nil, nil
	}

	var contacts []Contact
	if err := json.Unmarshal(result, &contacts); err != nil || len(contacts) == 0 {
		return nil, nil
	}
	return &contacts[0], nil
}

// call performs one token-guarded REST call and returns the raw result.
func (c *Client) call(ctx context.Context, method string, body interface{}) (json.RawMessage, error) {
	token, err := c.guardian.Token(ctx, c.portalAddress)
	if err != nil {
		return nil, err
	}

	endpoint := c.portalAddress + "/rest/" + method

	c.logger.WithFields(logrus.Fields{
		"method":   method,
		"endpoint": endpoint,
	}).Debug("CRM API request")

	var apiResp apiResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("auth", token).
		SetBody(body).
		SetResult(&apiResp).
		Post(endpoint)
	if err != nil {
		return nil, errors.NewTransientAPIError("crm", err).WithContext("method", method)
	}

	if resp.IsError() {
		return nil, errors.NewAPIError("crm", method, resp.StatusCode(),
			&APIError{Code: apiResp.Error, Description: apiResp.ErrorDesc})
	}
	if apiResp.Error != "" {
		return nil, errors.Wrap(&APIError{Code: apiResp.Error, Description: apiResp.ErrorDesc},
			errors.ErrCodeCrmAPI, "CRM API returned an error").
			WithContext("method", method)
	}

	return apiResp.Result, nil
}

// parseID reads a bare numeric result, tolerating the string form some
// REST methods return.
func parseID(raw json.RawMessage) (int64, error) {
	var id int64
	if err := json.Unmarshal(raw, &id); err == nil {
		return id, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("unexpected result shape: %s", string(raw))
	}

	var parsed int64
	if _, err := fmt.Sscanf(s, "%d", &parsed); err != nil {
		return 0, fmt.Errorf("non-numeric id %q", s)
	}
	return parsed, nil
}

func maskPhone(phone string) string {
	if len(phone) <= constants.DefaultPhoneMaskLength {
		return "****"
	}
	return "****" + phone[len(phone)-constants.DefaultPhoneMaskLength:]
}

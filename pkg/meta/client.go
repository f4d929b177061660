package meta

import (
	"context"
	"fmt"
	"time"

	"whatrix/internal/errors"
	"whatrix/internal/models"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

// Client wraps the channel platform's Cloud API: outbound text sends,
// read receipts and webhook verification. The static bearer token is set
// once on the underlying HTTP client and never logged.
type Client struct {
	http          *resty.Client
	phoneNumberID string
	verifyToken   string
	logger        *logrus.Logger
}

func NewClient(cfg models.ChannelConfig, logger *logrus.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.APIBaseURL+"/"+cfg.APIVersion).
		SetAuthToken(cfg.AccessToken).
		SetHeader("Content-Type", "application/json").
		SetTimeout(time.Duration(cfg.TimeoutSec) * time.Second)

	return &Client{
		http:          httpClient,
		phoneNumberID: cfg.PhoneNumberID,
		verifyToken:   cfg.VerifyToken,
		logger:        logger,
	}
}

// VerifyWebhook checks the platform's subscription handshake. Returns the
// challenge to echo back, or empty when the verification fails.
func (c *Client) VerifyWebhook(mode, token, challenge string) string {
	if mode == "subscribe" && token == c.verifyToken {
		c.logger.Info("Channel webhook verified")
		return challenge
	}

	c.logger.WithField("mode", mode).Warn("Channel webhook verification failed")
	return ""
}

// SendText delivers a text message to the given channel identity and
// returns the channel-assigned message id.
func (c *Client) SendText(ctx context.Context, to, body string) (string, error) {
	payload := SendMessageRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "text",
		Text:             &TextBody{Body: body},
	}

	var result SendMessageResponse
	var apiErr ErrorResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&result).
		SetError(&apiErr).
		Post("/" + c.phoneNumberID + "/messages")
	if err != nil {
		return "", errors.NewTransientAPIError("channel", err).WithContext("to", to)
	}
	if resp.IsError() {
		return "", errors.NewAPIError("channel", "messages", resp.StatusCode(),
			fmt.Errorf("%s (code %d)", apiErr.Error.Message, apiErr.Error.Code))
	}
	if len(result.Messages) == 0 {
		return "", errors.New(errors.ErrCodeChannelAPI, "send response carried no message id")
	}

	c.logger.WithFields(logrus.Fields{
		"to":        to,
		"messageId": result.Messages[0].ID,
	}).Info("Message sent to channel")

	return result.Messages[0].ID, nil
}

// MarkAsRead flags an inbound message as read on the channel. Best effort;
// callers treat failures as non-fatal.
func (c *Client) MarkAsRead(ctx context.Context, messageID string) error {
	payload := SendMessageRequest{
		MessagingProduct: "whatsapp",
		Status:           "read",
		MessageID:        messageID,
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		Post("/" + c.phoneNumberID + "/messages")
	if err != nil {
		return errors.NewTransientAPIError("channel", err).WithContext("messageId", messageID)
	}
	if resp.IsError() {
		return errors.NewAPIError("channel", "messages/read", resp.StatusCode(),
			fmt.Errorf("mark-as-read rejected"))
	}

	c.logger.WithField("messageId", messageID).Debug("Message marked as read")
	return nil
}

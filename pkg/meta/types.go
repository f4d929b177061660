package meta

// SendMessageRequest is the Cloud API text-send payload.
type SendMessageRequest struct {
	MessagingProduct string      `json:"messaging_product"`
	RecipientType    string      `json:"recipient_type,omitempty"`
	To               string      `json:"to"`
	Type             string      `json:"type"`
	Text             *TextBody   `json:"text,omitempty"`
	Status           string      `json:"status,omitempty"`
	MessageID        string      `json:"message_id,omitempty"`
}

type TextBody struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

// SendMessageResponse carries the channel-assigned message id.
type SendMessageResponse struct {
	MessagingProduct string      `json:"messaging_product"`
	Messages         []MessageID `json:"messages"`
}

type MessageID struct {
	ID string `json:"id"`
}

// ErrorResponse is the Cloud API error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

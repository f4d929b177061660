package models

// ChannelWebhookPayload is the nested envelope delivered by the channel
// platform. Only the messages list drives processing; statuses and other
// change fields are ignored.
type ChannelWebhookPayload struct {
	Object string                `json:"object"`
	Entry  []ChannelWebhookEntry `json:"entry"`
}

type ChannelWebhookEntry struct {
	ID      string                 `json:"id"`
	Changes []ChannelWebhookChange `json:"changes"`
}

type ChannelWebhookChange struct {
	Field string              `json:"field"`
	Value ChannelWebhookValue `json:"value"`
}

type ChannelWebhookValue struct {
	MessagingProduct string           `json:"messaging_product"`
	Metadata         *ChannelMetadata `json:"metadata,omitempty"`
	Contacts         []ChannelContact `json:"contacts,omitempty"`
	Messages         []ChannelMessage `json:"messages,omitempty"`
}

type ChannelMetadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type ChannelContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type ChannelMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
}

// CrmWebhookPayload is the event envelope posted by the CRM. Only the
// message-added event triggers relay; everything else is acked and ignored.
type CrmWebhookPayload struct {
	Event string         `json:"event"`
	Data  CrmWebhookData `json:"data"`
	TS    string         `json:"ts"`
}

type CrmWebhookData struct {
	Params CrmMessageParams `json:"PARAMS"`
}

type CrmMessageParams struct {
	DialogID   string `json:"DIALOG_ID"`
	Message    string `json:"MESSAGE"`
	FromUserID string `json:"FROM_USER_ID"`
	MessageID  string `json:"MESSAGE_ID"`
}

// CrmEventMessageAdd is the only CRM webhook event that drives relay.
const CrmEventMessageAdd = "ONIMMESSAGEADD"

package models

// InboundRelayJob carries one message received from the channel webhook
// toward the CRM. MessageID is the channel's natural message id and doubles
// as the queue deduplication key.
type InboundRelayJob struct {
	MessageID   string `json:"messageId"`
	From        string `json:"from"`
	ContactName string `json:"contactName"`
	Body        string `json:"body"`
	MessageType string `json:"messageType"`
	Timestamp   string `json:"timestamp"`
}

// OutboundRelayJob carries one agent reply from the CRM webhook toward the
// channel. MessageID is the CRM message id and is the dedup key.
type OutboundRelayJob struct {
	MessageID  string `json:"messageId"`
	CrmChatID  int64  `json:"crmChatId"`
	Body       string `json:"body"`
	FromUserID string `json:"fromUserId"`
	Timestamp  string `json:"timestamp"`
}

// ChannelSendJob is a pure delivery to the channel API. Each enqueue is a
// distinct decision to send, so these jobs are not deduplicated.
type ChannelSendJob struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// CrmSendJob is a pure delivery into an existing CRM chat.
type CrmSendJob struct {
	DialogID string `json:"dialogId"`
	Body     string `json:"body"`
}

// JobResult is the structured outcome a handler returns for conditions that
// must not be retried. A handler that returns an error instead leaves the
// decision to the queue's retry policy.
type JobResult struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
	Error   string `json:"error,omitempty"`
}

package models

import "time"

// ConversationMapping links an end user on the inbound channel to the
// contact and chat created for them on the CRM side. Exactly one mapping
// exists per channel identity and per CRM chat id; both sides are populated
// atomically at creation.
type ConversationMapping struct {
	ID              int64     `json:"id"`
	ChannelIdentity string    `json:"channelIdentity"`
	CrmContactID    int64     `json:"crmContactId"`
	CrmChatID       int64     `json:"crmChatId"`
	DisplayName     string    `json:"displayName"`
	LastMessageAt   time.Time `json:"lastMessageAt"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

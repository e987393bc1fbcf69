package eventsub

import "encoding/json"

// envelope is the outer frame of every EventSub websocket message.
type envelope struct {
	Metadata struct {
		MessageID        string `json:"message_id"`
		MessageType      string `json:"message_type"`
		SubscriptionType string `json:"subscription_type"`
	} `json:"metadata"`
	Payload json.RawMessage `json:"payload"`
}

// sessionPayload covers session_welcome and session_reconnect payloads.
type sessionPayload struct {
	Session struct {
		ID           string `json:"id"`
		Status       string `json:"status"`
		ReconnectURL string `json:"reconnect_url"`
	} `json:"session"`
}

// notificationPayload wraps the event of a notification frame.
type notificationPayload struct {
	Event json.RawMessage `json:"event"`
}

// chatMessageEvent is the channel.chat.message event body.
type chatMessageEvent struct {
	MessageID        string `json:"message_id"`
	BroadcasterID    string `json:"broadcaster_user_id"`
	ChatterUserID    string `json:"chatter_user_id"`
	ChatterUserLogin string `json:"chatter_user_login"`
	ChatterUserName  string `json:"chatter_user_name"`
	Message          struct {
		Text string `json:"text"`
	} `json:"message"`
}

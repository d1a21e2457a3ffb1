package actions

// SendMessageRequest represents the request to send a message.
// To holds one stream name for stream messages and recipient emails for
// private messages.
type SendMessageRequest struct {
	Type    string   `json:"type" validate:"required,oneof=stream private"`
	To      []string `json:"to" validate:"required,min=1,dive,required,max=254"`
	Topic   string   `json:"topic" validate:"required_if=Type stream,max=60"`
	Content string   `json:"content" validate:"required,max=10000"`
}

// SendMessageResponse represents the response after sending a message
type SendMessageResponse struct {
	ID int64 `json:"id"`
}

// PointerRequest represents the request to move the read pointer
type PointerRequest struct {
	Pointer int64 `json:"pointer" validate:"min=1"`
}

// PointerResponse represents the read pointer
type PointerResponse struct {
	Pointer int64 `json:"pointer"`
}

// PresenceRequest represents a presence update from one client
type PresenceRequest struct {
	Status string `json:"status" validate:"required,oneof=active idle"`
	Client string `json:"client" validate:"required,max=64"`
}

// SubscriptionRequest names the streams to join or leave
type SubscriptionRequest struct {
	Subscriptions []string `json:"subscriptions" validate:"required,min=1,max=100,dive,required,max=60"`
}

// SubscriptionResponse lists the streams whose subscription actually changed
type SubscriptionResponse struct {
	Changed []string `json:"changed"`
}

// RealmUpdateRequest sets one realm property
type RealmUpdateRequest struct {
	Property string      `json:"property" validate:"required"`
	Value    interface{} `json:"value"`
}

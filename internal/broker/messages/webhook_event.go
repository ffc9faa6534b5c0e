package messages

// WebhookEvent mirrors the marketplace push notification shape:
// resource is a path like "/shipments/43126253862" and user_id is the
// marketplace seller the notification belongs to.
type WebhookEvent struct {
	Resource string `json:"resource"`
	UserID   int64  `json:"user_id"`
	Topic    string `json:"topic"`
	Attempts int    `json:"attempts,omitempty"`
	Sent     string `json:"sent,omitempty"`
}

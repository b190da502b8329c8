package rabbitmq

// BounceMessage is the payload the email provider's webhook bridge publishes
// onto the bounces queue.
type BounceMessage struct {
	SendID    string `json:"send_id"`
	Recipient string `json:"recipient"`
	Reason    string `json:"reason"`
}

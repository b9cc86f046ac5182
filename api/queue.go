package api

import "encoding/json"

// QueueMessage is what the consumer hands to the application for one delivery.
type QueueMessage struct {
	// ID identifies the message within its queue.
	ID string `json:"id"`
	// Body is the parsed JSON payload.
	Body json.RawMessage `json:"body"`
	// Attempts is the delivery count, 1 on first delivery.
	Attempts int `json:"attempts"`
}

// PublishResponse acknowledges an enqueued message.
type PublishResponse struct {
	// Queue is the queue the message was written to.
	Queue string `json:"queue"`
	// ID identifies the new message.
	ID string `json:"id"`
}

// ProjectionEvent is the message shape the projection consumer stores.
type ProjectionEvent struct {
	// Key is the bucket object key.
	Key string `json:"key"`
	// Value is written verbatim as the object body.
	Value json.RawMessage `json:"value"`
}

package queue

import (
	"path"
	"strings"

	"pkt.systems/durable/internal/storage"
)

const messageFileExtension = ".json"

// MessageKeyParts captures the queue name and message id from a message key.
type MessageKeyParts struct {
	Queue string
	ID    string
}

// ParseMessageKey extracts the queue name and message id from a relative
// message key (e.g. "q/orders/msg/<id>.json"). Returns ok=false when the key
// does not match the expected layout.
func ParseMessageKey(rel string) (MessageKeyParts, bool) {
	rel = strings.TrimPrefix(rel, "/")
	parts := strings.Split(rel, "/")
	if len(parts) != 4 {
		return MessageKeyParts{}, false
	}
	if parts[0]+"/" != storage.QueueKeyPrefix || parts[2] != "msg" {
		return MessageKeyParts{}, false
	}
	id, ok := strings.CutSuffix(parts[3], messageFileExtension)
	if !ok || id == "" || parts[1] == "" {
		return MessageKeyParts{}, false
	}
	return MessageKeyParts{Queue: parts[1], ID: id}, true
}

// IsMessageKey reports whether the relative key refers to a queue message.
func IsMessageKey(rel string) bool {
	_, ok := ParseMessageKey(rel)
	return ok
}

func queueBasePath(queue string) string {
	return path.Join(strings.TrimSuffix(storage.QueueKeyPrefix, "/"), queue)
}

func messagePrefix(queue string) string {
	return path.Join(queueBasePath(queue), "msg") + "/"
}

func messageKey(queue, id string) string {
	return messagePrefix(queue) + id + messageFileExtension
}

func sanitizeQueueName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return "", ErrInvalidQueue
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return "", ErrInvalidQueue
		}
	}
	return name, nil
}

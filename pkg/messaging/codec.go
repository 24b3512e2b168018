package messaging

import (
	"encoding/json"
	"fmt"
	"time"
)

// The coordinator stores payloads as JSON-encoded QueueMessage values and
// all timestamps as integer microseconds since the epoch. Reservation
// tokens and zset members coming back from the store are kept as the exact
// byte sequences Redis returned; re-encoding them before a ZREM could
// break membership.

// encodeQueueMessage serializes a QueueMessage to its wire form.
func encodeQueueMessage(qm *QueueMessage) ([]byte, error) {
	data, err := json.Marshal(qm)
	if err != nil {
		return nil, fmt.Errorf("failed to encode queue message %s: %w", qm.Message.MessageID, err)
	}
	return data, nil
}

// decodeQueueMessage parses the wire form back into a QueueMessage.
func decodeQueueMessage(data []byte) (*QueueMessage, error) {
	var qm QueueMessage
	if err := json.Unmarshal(data, &qm); err != nil {
		return nil, fmt.Errorf("failed to decode queue message: %w", err)
	}
	return &qm, nil
}

// micros converts a wall-clock time to epoch microseconds.
func micros(t time.Time) int64 {
	return t.UnixMicro()
}

// timeFromMicros converts epoch microseconds back to a wall-clock time.
func timeFromMicros(us int64) time.Time {
	return time.UnixMicro(us)
}

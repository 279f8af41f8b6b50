package taskqueue

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// taskFormat prefixes every encoded task so stored payloads can be told
// apart from future encodings.
const taskFormat byte = 1

// EncodeTask serializes a Task for the persistent queues.
func EncodeTask(t Task) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(taskFormat)
	if err := gob.NewEncoder(&buf).Encode(&t); err != nil {
		return nil, fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	return buf.Bytes(), nil
}

// DecodeTask is the inverse of EncodeTask.
func DecodeTask(data []byte) (*Task, error) {
	if len(data) == 0 || data[0] != taskFormat {
		return nil, fmt.Errorf("decode task: unknown payload format")
	}
	var t Task
	if err := gob.NewDecoder(bytes.NewReader(data[1:])).Decode(&t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &t, nil
}

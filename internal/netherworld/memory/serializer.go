package memory

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrDeserialization is returned when a backend response cannot be reduced
// to a reply. The turn is reported failed and nothing is appended — a
// malformed reply is never silently dropped.
var ErrDeserialization = errors.New("memory: malformed backend response")

// PayloadMessage is one turn in the wire payload sent to the inference
// backend. Cost and timestamp are internal bookkeeping and are deliberately
// excluded.
type PayloadMessage struct {
	SpeakerID string `json:"speaker_id"`
	Role      Role   `json:"role"`
	Text      string `json:"text"`
}

// Reply is the wire-reduced form of a backend response: exactly the
// {speakerId, role, text} triple the core requires from the backend
// contract. The dispatcher appends it to memory, which stamps the
// timestamp and scores the cost under the session's active measure.
type Reply struct {
	SpeakerID string `json:"speaker_id"`
	Role      Role   `json:"role"`
	Text      string `json:"text"`
}

// Serializer converts memory snapshots to backend payloads and parses
// backend responses back into appendable replies. It is stateless and safe
// for concurrent use.
type Serializer struct{}

// ToPayload converts a snapshot into the ordered message list the backend
// consumes.
func (Serializer) ToPayload(snapshot []Utterance) []PayloadMessage {
	out := make([]PayloadMessage, 0, len(snapshot))
	for _, u := range snapshot {
		out = append(out, PayloadMessage{
			SpeakerID: u.SpeakerID,
			Role:      u.Role,
			Text:      u.Text,
		})
	}
	return out
}

// FromResponse parses a raw backend reply document into a Reply tagged
// role=agent. The backend may omit the role; any role other than "agent"
// (or empty) is malformed, as is an empty text field.
func (Serializer) FromResponse(raw []byte) (Reply, error) {
	var r Reply
	if err := json.Unmarshal(raw, &r); err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrDeserialization, err)
	}
	if r.Role == "" {
		r.Role = RoleAgent
	}
	if r.Role != RoleAgent {
		return Reply{}, fmt.Errorf("%w: unexpected role %q", ErrDeserialization, r.Role)
	}
	if strings.TrimSpace(r.Text) == "" {
		return Reply{}, fmt.Errorf("%w: empty reply text", ErrDeserialization)
	}
	return r, nil
}

// EncodeTokenStream serializes a token list as a base64-wrapped JSON array.
// This is the compact framing the original Netherworld backend speaks for
// pre-tokenized chat history: cheap to produce, transport-safe inside a
// JSON string field.
func EncodeTokenStream(tokens []int) string {
	data, _ := json.Marshal(tokens) // a []int cannot fail to marshal
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeTokenStream reverses EncodeTokenStream. Malformed base64 or JSON is
// reported as ErrDeserialization.
func DecodeTokenStream(encoded string) ([]int, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: decode base64 token stream: %v", ErrDeserialization, err)
	}
	var tokens []int
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil, fmt.Errorf("%w: decode token list: %v", ErrDeserialization, err)
	}
	return tokens, nil
}

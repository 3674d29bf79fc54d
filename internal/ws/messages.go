package ws

import "encoding/base64"

// Client commands arrive as JSON text frames. Change payloads travel
// base64-encoded inside the JSON envelope.
type clientMessage struct {
	Type    string   `json:"type"`
	DocID   string   `json:"docId"`
	Changes []string `json:"changes,omitempty"`
}

type createdMessage struct {
	Type  string `json:"type"`
	DocID string `json:"docId"`
	Doc   string `json:"doc"`
}

type docMessage struct {
	Type  string `json:"type"`
	DocID string `json:"docId"`
	Doc   string `json:"doc"`
}

type syncMessage struct {
	Type    string   `json:"type"`
	DocID   string   `json:"docId"`
	Changes []string `json:"changes"`
}

type presenceMessage struct {
	Type  string   `json:"type"`
	DocID string   `json:"docId"`
	Users []string `json:"users"`
}

type historyMessage struct {
	Type     string `json:"type"`
	DocID    string `json:"docId"`
	Versions int    `json:"versions"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func newErrorMessage(message string) errorMessage {
	return errorMessage{Type: "error", Message: message}
}

func encodeChanges(changes [][]byte) []string {
	out := make([]string, len(changes))
	for i, change := range changes {
		out[i] = base64.StdEncoding.EncodeToString(change)
	}
	return out
}

func decodeChanges(encoded []string) ([][]byte, error) {
	out := make([][]byte, len(encoded))
	for i, item := range encoded {
		raw, err := base64.StdEncoding.DecodeString(item)
		if err != nil {
			return nil, err
		}
		out[i] = raw
	}
	return out, nil
}

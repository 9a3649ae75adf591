package envelope

import (
	"encoding/json"
	"fmt"
)

const (
	DecisionAccepted = "accepted"
	DecisionDeclined = "declined"
)

// RequestBody opens a handshake. It travels in the clear and carries
// the initiator's public key so the peer can answer encrypted later.
type RequestBody struct {
	RequestID  string `json:"request_id"`
	PublicKey  string `json:"public_key"`
	KeyVersion int    `json:"key_version"`
	Phrase     string `json:"phrase,omitempty"`
}

// ResponseBody answers a handshake request. A declined response
// carries no key material.
type ResponseBody struct {
	RequestID  string `json:"request_id"`
	Decision   string `json:"decision"`
	PublicKey  string `json:"public_key,omitempty"`
	KeyVersion int    `json:"key_version,omitempty"`
}

type RevokeBody struct {
	RequestID string `json:"request_id"`
}

// UserDataBody is the sealed payload exchanged once both public keys
// are known. The closing leg carries the conversation id chosen by
// the seed chooser; the opening leg omits it.
type UserDataBody struct {
	Identity       string `json:"identity"`
	DisplayName    string `json:"display_name"`
	ConversationID string `json:"conversation_id,omitempty"`
}

func DecodeRequestBody(data []byte) (RequestBody, error) {
	var b RequestBody
	if err := json.Unmarshal(data, &b); err != nil {
		return RequestBody{}, err
	}
	if b.RequestID == "" {
		return RequestBody{}, fmt.Errorf("missing request_id")
	}
	return b, nil
}

func DecodeResponseBody(data []byte) (ResponseBody, error) {
	var b ResponseBody
	if err := json.Unmarshal(data, &b); err != nil {
		return ResponseBody{}, err
	}
	if b.RequestID == "" {
		return ResponseBody{}, fmt.Errorf("missing request_id")
	}
	if b.Decision != DecisionAccepted && b.Decision != DecisionDeclined {
		return ResponseBody{}, fmt.Errorf("bad decision: %s", b.Decision)
	}
	return b, nil
}

func DecodeRevokeBody(data []byte) (RevokeBody, error) {
	var b RevokeBody
	if err := json.Unmarshal(data, &b); err != nil {
		return RevokeBody{}, err
	}
	if b.RequestID == "" {
		return RevokeBody{}, fmt.Errorf("missing request_id")
	}
	return b, nil
}

func DecodeUserDataBody(data []byte) (UserDataBody, error) {
	var b UserDataBody
	if err := json.Unmarshal(data, &b); err != nil {
		return UserDataBody{}, err
	}
	if b.Identity == "" {
		return UserDataBody{}, fmt.Errorf("missing identity")
	}
	return b, nil
}

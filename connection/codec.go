package connection

import (
	"encoding/json"
	"fmt"
)

type (
	// AuthResult is the outcome of the auth exchange: either OK with the
	// authenticated user id, or a rejection with the backend's code and
	// message.
	AuthResult struct {
		OK      bool
		UserID  string
		Code    string
		Message string
	}

	// AuthCodec frames the auth exchange over the transport. The lifecycle
	// treats the transport as opaque bytes; the codec decides how an auth
	// request looks on the wire and which inbound frames are auth results as
	// opposed to application messages.
	//
	// DecodeResult returns (result, true) when the frame is an auth result
	// and (nil, false) otherwise; non-result frames are forwarded to the
	// message handler once the session is connected.
	AuthCodec interface {
		EncodeRequest(token string) ([]byte, error)
		DecodeResult(raw []byte) (*AuthResult, bool)
	}

	// JSONAuthCodec is the default codec: a JSON auth request
	// {"type":"auth","token":...} answered by
	// {"type":"auth_result","ok":true,"user_id":...} or
	// {"type":"auth_result","ok":false,"code":...,"message":...}.
	JSONAuthCodec struct{}

	authRequest struct {
		Type  string `json:"type"`
		Token string `json:"token"`
	}

	authResultFrame struct {
		Type    string `json:"type"`
		OK      bool   `json:"ok"`
		UserID  string `json:"user_id,omitempty"`
		Code    string `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
	}
)

// EncodeRequest implements AuthCodec.
func (JSONAuthCodec) EncodeRequest(token string) ([]byte, error) {
	data, err := json.Marshal(authRequest{Type: "auth", Token: token})
	if err != nil {
		return nil, fmt.Errorf("encode auth request: %w", err)
	}
	return data, nil
}

// DecodeResult implements AuthCodec. Frames that are not JSON objects with
// type "auth_result" are not auth results.
func (JSONAuthCodec) DecodeResult(raw []byte) (*AuthResult, bool) {
	var frame authResultFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, false
	}
	if frame.Type != "auth_result" {
		return nil, false
	}
	return &AuthResult{
		OK:      frame.OK,
		UserID:  frame.UserID,
		Code:    frame.Code,
		Message: frame.Message,
	}, true
}

// Package protocol defines the wire format spoken between scanlink clients and the pairing backend:
// JSON text frames on the realtime channel and the payloads of the connect REST endpoints.
// The frame shapes are fixed by the backend and must not change.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Realtime frame types (the "type" field of every frame).
const (
	TypeRegisterDesktop = "REGISTER_DESKTOP"
	TypeRegisterSuccess = "REGISTER_SUCCESS"
	TypeRegisterFail    = "REGISTER_FAIL"
	TypeMobileConnected = "MOBILE_CONNECTED"
)

// ErrUnknownFrame is returned by DecodeInbound for frame types a desktop does not handle.
var ErrUnknownFrame = errors.New("unknown frame type")

// RegisterDesktop is sent by the desktop as soon as the channel reports open.
type RegisterDesktop struct {
	Type         string `json:"type"` // always REGISTER_DESKTOP
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
}

// NewRegisterDesktop builds the registration frame for a pairing code.
func NewRegisterDesktop(code, userID string) RegisterDesktop {
	return RegisterDesktop{
		Type:         TypeRegisterDesktop,
		ConnectionID: code,
		UserID:       userID,
	}
}

// Inbound is a frame pushed from the backend to a registered desktop.
// The concrete types are RegisterSuccess, RegisterFail and MobileConnected.
type Inbound interface {
	FrameType() string
}

// RegisterSuccess confirms a desktop registration. Backends may skip it.
type RegisterSuccess struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
}

// RegisterFail rejects a desktop registration.
type RegisterFail struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// MobileConnected reports that a mobile session consumed the code.
type MobileConnected struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
}

func (RegisterSuccess) FrameType() string { return TypeRegisterSuccess }
func (RegisterFail) FrameType() string    { return TypeRegisterFail }
func (MobileConnected) FrameType() string { return TypeMobileConnected }

// NewRegisterSuccess creates a REGISTER_SUCCESS frame.
func NewRegisterSuccess(code string) RegisterSuccess {
	return RegisterSuccess{Type: TypeRegisterSuccess, ConnectionID: code}
}

// NewRegisterFail creates a REGISTER_FAIL frame.
func NewRegisterFail(reason string) RegisterFail {
	return RegisterFail{Type: TypeRegisterFail, Reason: reason}
}

// NewMobileConnected creates a MOBILE_CONNECTED frame.
func NewMobileConnected(code string) MobileConnected {
	return MobileConnected{Type: TypeMobileConnected, ConnectionID: code}
}

// ParseFrameType extracts the frame type from raw JSON bytes.
func ParseFrameType(data []byte) (string, error) {
	var raw struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", err
	}
	return raw.Type, nil
}

// DecodeInbound parses a backend frame into its concrete Inbound type.
func DecodeInbound(data []byte) (Inbound, error) {
	frameType, err := ParseFrameType(data)
	if err != nil {
		return nil, fmt.Errorf("parse frame: %w", err)
	}

	switch frameType {
	case TypeRegisterSuccess:
		var m RegisterSuccess
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", frameType, err)
		}
		return m, nil
	case TypeRegisterFail:
		var m RegisterFail
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", frameType, err)
		}
		return m, nil
	case TypeMobileConnected:
		var m MobileConnected
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", frameType, err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, frameType)
	}
}

// DecodeRegister parses a REGISTER_DESKTOP frame (backend side).
func DecodeRegister(data []byte) (RegisterDesktop, error) {
	var m RegisterDesktop
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("decode register: %w", err)
	}
	if m.Type != TypeRegisterDesktop {
		return m, fmt.Errorf("%w: %q", ErrUnknownFrame, m.Type)
	}
	return m, nil
}

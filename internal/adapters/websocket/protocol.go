package websocket

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/coder/websocket"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"gitlab.com/ecolearn/platform/resource-cache/internal/domain"
)

// Subprotocols offered during the upgrade. A client that names none gets json.v1.
const (
	SubprotocolJSON  = "json.v1"
	SubprotocolProto = "proto.v1"
)

// Server-to-client message types.
const (
	MessageTypeReady        = "ready"
	MessageTypeSnapshot     = "snapshot"
	MessageTypeUnbound      = "unbound"
	MessageTypeAuthRequired = "auth_required"
	MessageTypeError        = "error"
)

// Client-to-server message types.
const (
	MessageTypeBind       = "bind"
	MessageTypeRebind     = "rebind"
	MessageTypeRevalidate = "revalidate"
	MessageTypeMutate     = "mutate"
	MessageTypeUnbind     = "unbind"
)

var errUnexpectedFrame = errors.New("unexpected frame type for negotiated subprotocol")

// BaseMessage is the envelope of every server-to-client message.
type BaseMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// ClientMessage is a client request. Binding is a name chosen by the client and unique
// within its connection.
//
//	{"type":"bind","binding":"donations","key":{"kind":"donations","params":{"page":"1"}}}
type ClientMessage struct {
	Type       string             `json:"type"`
	Binding    string             `json:"binding"`
	Key        domain.ResourceKey `json:"key"`
	Data       json.RawMessage    `json:"data,omitempty"`
	Revalidate bool               `json:"revalidate,omitempty"`
}

// ReadyPayload is sent once after the upgrade.
type ReadyPayload struct {
	ConnectionID string `json:"connection_id"`
	Subprotocol  string `json:"subprotocol"`
}

// SnapshotPayload carries the latest view of one binding.
type SnapshotPayload struct {
	Binding  string          `json:"binding"`
	Snapshot domain.Snapshot `json:"snapshot"`
}

// BindingPayload names a binding.
type BindingPayload struct {
	Binding string `json:"binding"`
}

// AuthRequiredPayload tells the client the credential was rejected or cleared.
type AuthRequiredPayload struct {
	Reason string `json:"reason"`
}

// ErrorPayload reports a failed client request.
type ErrorPayload struct {
	Binding string `json:"binding,omitempty"`
	domain.ErrorResponse
}

// NewReadyMessage creates a new message of type "ready".
func NewReadyMessage(connectionID, subprotocol string) BaseMessage {
	return BaseMessage{Type: MessageTypeReady, Payload: ReadyPayload{ConnectionID: connectionID, Subprotocol: subprotocol}}
}

// NewSnapshotMessage creates a new message of type "snapshot".
func NewSnapshotMessage(binding string, snap domain.Snapshot) BaseMessage {
	return BaseMessage{Type: MessageTypeSnapshot, Payload: SnapshotPayload{Binding: binding, Snapshot: snap}}
}

// NewUnboundMessage confirms an unbind.
func NewUnboundMessage(binding string) BaseMessage {
	return BaseMessage{Type: MessageTypeUnbound, Payload: BindingPayload{Binding: binding}}
}

// NewAuthRequiredMessage creates a new message of type "auth_required".
func NewAuthRequiredMessage(reason string) BaseMessage {
	return BaseMessage{Type: MessageTypeAuthRequired, Payload: AuthRequiredPayload{Reason: reason}}
}

// NewErrorMessage creates a new message of type "error".
func NewErrorMessage(binding string, errResp domain.ErrorResponse) BaseMessage {
	return BaseMessage{Type: MessageTypeError, Payload: ErrorPayload{Binding: binding, ErrorResponse: errResp}}
}

// codec converts messages to and from websocket frames for one subprotocol.
type codec interface {
	Encode(msg BaseMessage) (websocket.MessageType, []byte, error)
	Decode(typ websocket.MessageType, data []byte) (ClientMessage, error)
}

func codecFor(subprotocol string) codec {
	if subprotocol == SubprotocolProto {
		return protoCodec{}
	}
	return jsonCodec{}
}

// jsonCodec speaks json.v1: one JSON document per text frame.
type jsonCodec struct{}

func (jsonCodec) Encode(msg BaseMessage) (websocket.MessageType, []byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal %s message: %w", msg.Type, err)
	}
	return websocket.MessageText, data, nil
}

func (jsonCodec) Decode(typ websocket.MessageType, data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if typ != websocket.MessageText {
		return msg, errUnexpectedFrame
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("invalid message format: %w", err)
	}
	return msg, nil
}

// protoCodec speaks proto.v1: the same documents as json.v1, carried as a binary
// google.protobuf.Struct.
type protoCodec struct{}

func (protoCodec) Encode(msg BaseMessage) (websocket.MessageType, []byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal %s message: %w", msg.Type, err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return 0, nil, fmt.Errorf("failed to convert %s message: %w", msg.Type, err)
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build struct for %s message: %w", msg.Type, err)
	}
	data, err := proto.Marshal(s)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to encode %s message: %w", msg.Type, err)
	}
	return websocket.MessageBinary, data, nil
}

func (protoCodec) Decode(typ websocket.MessageType, data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if typ != websocket.MessageBinary {
		return msg, errUnexpectedFrame
	}
	s := &structpb.Struct{}
	if err := proto.Unmarshal(data, s); err != nil {
		return msg, fmt.Errorf("invalid message format: %w", err)
	}
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return msg, fmt.Errorf("invalid message format: %w", err)
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return msg, fmt.Errorf("invalid message format: %w", err)
	}
	return msg, nil
}

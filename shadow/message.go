package shadow

import (
	"encoding/json"
	"errors"
)

// message types on the websocket. one json envelope per text message.
const (
	// client to server
	MessageTypeAuth          = "auth"
	MessageTypeSubscribe     = "subscribe"
	MessageTypeUnsubscribe   = "unsubscribe"
	MessageTypeGet           = "get"
	MessageTypeReport        = "report"
	MessageTypeUpdateDesired = "update_desired"

	// server to client
	MessageTypeAuthAck         = "auth_ack"
	MessageTypeSubscriptionAck = "subscription_ack"
	MessageTypeUnsubscribeAck  = "unsubscribe_ack"
	MessageTypeShadow          = "shadow"
	MessageTypeUpdateAck       = "update_ack"
	MessageTypeStateUpdate     = "state_update"
	MessageTypeError           = "error"
)

type Envelope struct {
	Type      string `json:"type"`
	RequestId *Id    `json:"requestId,omitempty"`
	DeviceId  string `json:"deviceId,omitempty"`

	// auth
	ByJwt      string `json:"byJwt,omitempty"`
	InstanceId *Id    `json:"instanceId,omitempty"`
	AppVersion string `json:"appVersion,omitempty"`
	SessionId  *Id    `json:"sessionId,omitempty"`

	// document plane
	Patch    Patch           `json:"patch,omitempty"`
	Document *ShadowDocument `json:"document,omitempty"`
	Update   *StateUpdate    `json:"update,omitempty"`
	Version  uint64          `json:"version,omitempty"`

	Error *ErrorInfo `json:"error,omitempty"`
}

func EncodeEnvelope(envelope *Envelope) ([]byte, error) {
	return json.Marshal(envelope)
}

func DecodeEnvelope(message []byte) (*Envelope, error) {
	envelope := &Envelope{}
	if err := json.Unmarshal(message, envelope); err != nil {
		// patch validation surfaces through unmarshal
		var validationErr *ValidationError
		if errors.As(err, &validationErr) {
			return nil, validationErr
		}
		return nil, &ProtocolError{Reason: err.Error()}
	}
	if envelope.Type == "" {
		return nil, &ProtocolError{Reason: "missing message type"}
	}
	return envelope, nil
}

// the machine-readable error surface of a push or reply
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func NewErrorInfo(err error) *ErrorInfo {
	return &ErrorInfo{
		Kind:    errorKind(err),
		Message: err.Error(),
	}
}

// reconstructs the typed error on the client side
func (self *ErrorInfo) Err(deviceId string) error {
	switch self.Kind {
	case ErrorKindNotFound:
		return &NotFoundError{DeviceId: deviceId}
	case ErrorKindValidation:
		return &ValidationError{Reason: self.Message}
	case ErrorKindConnection:
		return &ConnectionError{Op: self.Message}
	case ErrorKindMaxRetriesExceeded:
		return &MaxRetriesExceededError{}
	default:
		return &ProtocolError{Reason: self.Message}
	}
}

// Package ipc is the framed Unix-socket channel between keyattest and the
// privileged keyattestd helper.
//
// Every message is a 16 byte header followed by a JSON payload. A client
// must complete a handshake and authenticate before the helper accepts
// attestation requests.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"keyattest/internal/capability"
)

// Protocol version for compatibility checking
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x4B414950 // "KAIP"
)

// MessageType identifies the type of IPC message
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing         MessageType = 0x0001
	MsgPong         MessageType = 0x0002
	MsgHandshake    MessageType = 0x0003
	MsgHandshakeAck MessageType = 0x0004
	MsgError        MessageType = 0x0005
	MsgAuthenticate MessageType = 0x0007
	MsgAuthResponse MessageType = 0x0008

	// Status messages (0x01xx)
	MsgStatusRequest  MessageType = 0x0100
	MsgStatusResponse MessageType = 0x0101

	// Keystore operations (0x02xx)
	MsgCapabilities     MessageType = 0x0200
	MsgCapabilitiesResp MessageType = 0x0201
	MsgAttest           MessageType = 0x0202
	MsgAttestResp       MessageType = 0x0203
	MsgCheckRKP         MessageType = 0x0204
	MsgCheckRKPResp     MessageType = 0x0205
)

// PermissionLevel defines client access levels
type PermissionLevel uint8

const (
	PermNone     PermissionLevel = 0x00
	PermReadOnly PermissionLevel = 0x01
	PermAttest   PermissionLevel = 0x02
)

// Header is the fixed-size message header (16 bytes)
type Header struct {
	Magic     uint32      // Protocol magic number
	Version   uint8       // Protocol version
	Flags     uint8       // Message flags
	Type      MessageType // Message type
	RequestID uint32      // Request ID for correlation
	Length    uint32      // Payload length (not including header)
}

// HeaderSize is the size of the header in bytes
const HeaderSize = 16

// MaxPayload bounds a single message. Certificate chains are a few KiB.
const MaxPayload = 4 * 1024 * 1024

// Header flags
const (
	FlagJSON uint8 = 0x04
)

// Message wraps a header and payload
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Flags:     FlagJSON,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Framing errors. A connection that produces one is closed.
var (
	ErrBadMagic        = errors.New("ipc: invalid magic number")
	ErrVersion         = errors.New("ipc: unsupported protocol version")
	ErrPayloadTooLarge = errors.New("ipc: payload too large")
)

// AppendBinary appends the wire form of h to b.
func (h Header) AppendBinary(b []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, h.Magic)
	b = append(b, h.Version, h.Flags)
	b = binary.BigEndian.AppendUint16(b, uint16(h.Type))
	b = binary.BigEndian.AppendUint32(b, h.RequestID)
	return binary.BigEndian.AppendUint32(b, h.Length)
}

// Write writes the encoded header to w.
func (h Header) Write(w io.Writer) error {
	_, err := w.Write(h.AppendBinary(make([]byte, 0, HeaderSize)))
	return err
}

func parseHeader(b []byte) (Header, error) {
	h := Header{
		Magic:     binary.BigEndian.Uint32(b[0:]),
		Version:   b[4],
		Flags:     b[5],
		Type:      MessageType(binary.BigEndian.Uint16(b[6:])),
		RequestID: binary.BigEndian.Uint32(b[8:]),
		Length:    binary.BigEndian.Uint32(b[12:]),
	}
	switch {
	case h.Magic != ProtocolMagic:
		return h, fmt.Errorf("%w: %#x", ErrBadMagic, h.Magic)
	case h.Version == 0 || h.Version > ProtocolVersion:
		return h, fmt.Errorf("%w: %d", ErrVersion, h.Version)
	case h.Length > MaxPayload:
		return h, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, h.Length)
	}
	return h, nil
}

// Write sends the message with a single write so concurrent writers on one
// connection cannot interleave.
func (m *Message) Write(w io.Writer) error {
	frame := m.Header.AppendBinary(make([]byte, 0, HeaderSize+len(m.Payload)))
	_, err := w.Write(append(frame, m.Payload...))
	return err
}

// ReadMessage reads one framed message from r.
func ReadMessage(r io.Reader) (*Message, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	h, err := parseHeader(hdr[:])
	if err != nil {
		return nil, err
	}
	m := &Message{Header: h}
	if h.Length > 0 {
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
	}
	return m, nil
}

// Request/Response payloads

// HandshakeRequest is sent by the client to initiate connection
type HandshakeRequest struct {
	ClientVersion   string `json:"client_version"`
	ClientName      string `json:"client_name"`
	ProtocolVersion uint8  `json:"protocol_version"`
}

// HandshakeResponse is sent by the server to acknowledge connection
type HandshakeResponse struct {
	ServerVersion   string          `json:"server_version"`
	ProtocolVersion uint8           `json:"protocol_version"`
	SessionID       string          `json:"session_id"`
	Permission      PermissionLevel `json:"permission"`
}

// AuthRequest is sent to authenticate a client. The helper checks the
// kernel-reported peer credentials; the claimed PID is only logged.
type AuthRequest struct {
	Method string `json:"method"` // "peercred"
	PID    int    `json:"pid,omitempty"`
}

// AuthResponse acknowledges authentication
type AuthResponse struct {
	Success    bool            `json:"success"`
	Permission PermissionLevel `json:"permission"`
	Error      string          `json:"error,omitempty"`
}

// ErrorResponse is sent when an operation fails
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Error codes
const (
	CodeUnknown          = 1
	CodeInvalidRequest   = 2
	CodePermissionDenied = 4
	CodeInternalError    = 5
	CodeUnsupported      = 10
	CodeCancelled        = 11
)

// CodeName returns a short label for an error code.
func CodeName(code int) string {
	switch code {
	case CodeInvalidRequest:
		return "invalid_request"
	case CodePermissionDenied:
		return "permission_denied"
	case CodeInternalError:
		return "internal"
	case CodeUnsupported:
		return "unsupported"
	case CodeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// StatusResponse describes the helper.
type StatusResponse struct {
	Version   string        `json:"version"`
	Uptime    time.Duration `json:"uptime"`
	StartedAt time.Time     `json:"started_at"`
	Clients   int           `json:"clients"`
	Served    uint64        `json:"served"`
}

// CapabilitiesResponse reports what the helper's keystore supports.
type CapabilitiesResponse struct {
	Features capability.Features `json:"features"`
}

// AttestRequest asks the helper to generate a key and return its chain.
type AttestRequest struct {
	UseSAK          bool   `json:"use_sak,omitempty"`
	UseStrongBox    bool   `json:"use_strongbox,omitempty"`
	UseAttestKey    bool   `json:"use_attest_key,omitempty"`
	IncludeProps    bool   `json:"include_props,omitempty"`
	IncludeSerial   bool   `json:"include_serial,omitempty"`
	IncludeIMEI     bool   `json:"include_imei,omitempty"`
	IncludeMEID     bool   `json:"include_meid,omitempty"`
	IncludeUniqueID bool   `json:"include_unique_id,omitempty"`
	Challenge       []byte `json:"challenge"`
	Generation      uint64 `json:"generation"`
	Reset           bool   `json:"reset,omitempty"`
}

// AttestResponse carries the DER chain, leaf first.
type AttestResponse struct {
	Generation uint64   `json:"generation"`
	Chain      [][]byte `json:"chain"`
}

// CheckRKPRequest names the provisioning host to probe. Empty means default.
type CheckRKPRequest struct {
	Host string `json:"host,omitempty"`
}

// CheckRKPResponse is the probe outcome.
type CheckRKPResponse struct {
	Host      string        `json:"host"`
	Reachable bool          `json:"reachable"`
	Latency   time.Duration `json:"latency"`
	Detail    string        `json:"detail,omitempty"`
}

// Encode encodes a payload to JSON bytes
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode decodes JSON bytes to a payload
func Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewErrorMessage creates an error message
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{
		Code:    code,
		Message: message,
	})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse creates a response message
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}

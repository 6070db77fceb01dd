package aircloud

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// STOMP commands used on the notification channel
const (
	CommandConnect   = "CONNECT"
	CommandConnected = "CONNECTED"
	CommandSubscribe = "SUBSCRIBE"
	CommandMessage   = "MESSAGE"
	CommandError     = "ERROR"
)

const (
	headerAcceptVersion = "accept-version"
	headerHeartBeat     = "heart-beat"
	headerAuthorization = "Authorization"
	headerID            = "id"
	headerDestination   = "destination"
	headerAck           = "ack"
	headerUserName      = "user-name"
	headerContentLength = "content-length"
	headerMessage       = "message"
)

// Header is a single STOMP header. Frames keep headers in wire order because
// STOMP gives the first occurrence of a repeated header precedence.
type Header struct {
	Key   string
	Value string
}

// Frame is one STOMP frame.
type Frame struct {
	Command string
	Headers []Header
	Body    []byte
}

// Header returns the first value for key.
func (f Frame) Header(key string) (string, bool) {
	for _, h := range f.Headers {
		if h.Key == key {
			return h.Value, true
		}
	}
	return "", false
}

// Encode serialises the frame including its NUL terminator.
func (f Frame) Encode() []byte {
	escape := f.Command != CommandConnect && f.Command != CommandConnected

	var buf bytes.Buffer
	buf.WriteString(f.Command)
	buf.WriteByte('\n')
	for _, h := range f.Headers {
		if escape {
			buf.WriteString(escapeHeader(h.Key))
			buf.WriteByte(':')
			buf.WriteString(escapeHeader(h.Value))
		} else {
			buf.WriteString(h.Key)
			buf.WriteByte(':')
			buf.WriteString(h.Value)
		}
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}

// Destination returns the notification path for a family.
func Destination(familyID ID) string {
	return fmt.Sprintf("/notification/%s/%s", familyID, familyID)
}

// BuildHandshake returns the CONNECT and SUBSCRIBE frames sent as a single
// text message right after the socket opens.
func BuildHandshake(token string, familyID ID, subscriptionID string) string {
	connect := Frame{
		Command: CommandConnect,
		Headers: []Header{
			{Key: headerAcceptVersion, Value: "1.1,1.2"},
			{Key: headerHeartBeat, Value: "10000,10000"},
			{Key: headerAuthorization, Value: "Bearer " + token},
		},
	}
	subscribe := Frame{
		Command: CommandSubscribe,
		Headers: []Header{
			{Key: headerID, Value: subscriptionID},
			{Key: headerDestination, Value: Destination(familyID)},
			{Key: headerAck, Value: "auto"},
		},
	}

	var buf bytes.Buffer
	buf.Write(connect.Encode())
	buf.WriteByte('\n')
	buf.Write(subscribe.Encode())
	return buf.String()
}

// ParseFrames splits a WebSocket text payload into STOMP frames. Heart-beat
// EOLs between frames are skipped and a missing final NUL is tolerated.
func ParseFrames(raw []byte) []Frame {
	var frames []Frame
	rest := raw
	for {
		rest = bytes.TrimLeft(rest, "\r\n\x00")
		if len(rest) == 0 {
			return frames
		}

		var frame Frame
		frame, rest = parseFrame(rest)
		frames = append(frames, frame)
	}
}

func parseFrame(data []byte) (Frame, []byte) {
	var frame Frame

	line, data, terminated := readLine(data)
	frame.Command = line
	if terminated {
		return frame, data
	}

	unescape := frame.Command != CommandConnect && frame.Command != CommandConnected
	for {
		if len(data) == 0 {
			return frame, nil
		}
		line, data, terminated = readLine(data)
		if line == "" && !terminated {
			break
		}
		if line != "" {
			key, value, ok := strings.Cut(line, ":")
			if ok {
				if unescape {
					key, value = unescapeHeader(key), unescapeHeader(value)
				}
				frame.Headers = append(frame.Headers, Header{Key: key, Value: value})
			}
		}
		if terminated {
			return frame, data
		}
	}

	if lengthValue, ok := frame.Header(headerContentLength); ok {
		if n, err := strconv.Atoi(lengthValue); err == nil && n >= 0 && n <= len(data) {
			frame.Body = data[:n]
			rest := data[n:]
			if len(rest) > 0 && rest[0] == 0 {
				rest = rest[1:]
			}
			return frame, rest
		}
	}

	if end := bytes.IndexByte(data, 0); end >= 0 {
		frame.Body = data[:end]
		return frame, data[end+1:]
	}
	frame.Body = data
	return frame, nil
}

// readLine returns the next line without its EOL. terminated is true when
// the line ended on a NUL, which closes the frame early.
func readLine(data []byte) (line string, rest []byte, terminated bool) {
	end := bytes.IndexAny(data, "\n\x00")
	if end < 0 {
		return strings.TrimSuffix(string(data), "\r"), nil, true
	}
	line = strings.TrimSuffix(string(data[:end]), "\r")
	return line, data[end+1:], data[end] == 0
}

var headerEscaper = strings.NewReplacer("\\", "\\\\", "\r", "\\r", "\n", "\\n", ":", "\\c")

var headerUnescaper = strings.NewReplacer("\\\\", "\\", "\\r", "\r", "\\n", "\n", "\\c", ":")

func escapeHeader(s string) string {
	return headerEscaper.Replace(s)
}

func unescapeHeader(s string) string {
	if !strings.Contains(s, "\\") {
		return s
	}
	return headerUnescaper.Replace(s)
}

// FrameKind classifies an inbound frame for the receive loop.
type FrameKind int

const (
	FrameIgnored FrameKind = iota
	FrameConnected
	FrameRejected
	FrameMessage
	FrameError
)

func (k FrameKind) String() string {
	switch k {
	case FrameConnected:
		return "connected"
	case FrameRejected:
		return "rejected"
	case FrameMessage:
		return "message"
	case FrameError:
		return "error"
	default:
		return "ignored"
	}
}

// Classify decides what a frame means to the subscription. Some gateway
// deployments answer CONNECT with a CONNECTED frame that is not bound to a
// user; that frame carries no user-name header and the session is unusable.
func Classify(f Frame) FrameKind {
	switch f.Command {
	case CommandConnected:
		if _, ok := f.Header(headerUserName); !ok {
			return FrameRejected
		}
		return FrameConnected
	case CommandMessage:
		if bytes.IndexByte(f.Body, '{') < 0 {
			return FrameIgnored
		}
		return FrameMessage
	case CommandError:
		return FrameError
	default:
		return FrameIgnored
	}
}

var errNoData = errors.New("message carries no data field")

// DecodeStates extracts the device list from a MESSAGE frame body. Anything
// before the first '{' is discarded along with NUL terminators.
func DecodeStates(f Frame) ([]DeviceState, error) {
	start := bytes.IndexByte(f.Body, '{')
	if start < 0 {
		return nil, fmt.Errorf("message body has no JSON object")
	}
	body := bytes.ReplaceAll(f.Body[start:], []byte{0}, nil)

	var envelope struct {
		Data *[]DeviceState `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if envelope.Data == nil {
		return nil, errNoData
	}
	if *envelope.Data == nil {
		return []DeviceState{}, nil
	}
	return *envelope.Data, nil
}

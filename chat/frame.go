package chat

import (
	"bytes"
	"sort"
	"strconv"
	"strings"
)

// STOMP 1.2 frame commands used by the chat protocol.
const (
	frameConnect     = "CONNECT"
	frameConnected   = "CONNECTED"
	frameSend        = "SEND"
	frameSubscribe   = "SUBSCRIBE"
	frameUnsubscribe = "UNSUBSCRIBE"
	frameDisconnect  = "DISCONNECT"
	frameMessage     = "MESSAGE"
	frameError       = "ERROR"
)

const (
	headerAcceptVersion = "accept-version"
	headerHost          = "host"
	headerHeartBeat     = "heart-beat"
	headerDestination   = "destination"
	headerSubscription  = "subscription"
	headerID            = "id"
	headerMessageID     = "message-id"
	headerContentType   = "content-type"
	headerContentLength = "content-length"
	headerMessage       = "message"
)

// heartbeatFrame is the liveness frame exchanged in both directions.
var heartbeatFrame = []byte("\n")

// frame is a decoded STOMP frame. A nil frame with a nil error from
// parseFrame means the input was a heartbeat.
type frame struct {
	command string
	headers map[string]string
	body    []byte
}

func newFrame(command string) *frame {
	return &frame{command: command, headers: make(map[string]string)}
}

func (f *frame) set(key string, value string) *frame {
	f.headers[key] = value
	return f
}

func (f *frame) header(key string) string {
	return f.headers[key]
}

// Per STOMP 1.2 the CONNECT and CONNECTED frames do not use header escaping,
// every other frame does.
func headerEscaping(command string) bool {
	return command != frameConnect && command != frameConnected
}

func escapeHeader(value string) string {
	var builder strings.Builder
	for _, r := range value {
		switch r {
		case '\\':
			builder.WriteString(`\\`)
		case '\r':
			builder.WriteString(`\r`)
		case '\n':
			builder.WriteString(`\n`)
		case ':':
			builder.WriteString(`\c`)
		default:
			builder.WriteRune(r)
		}
	}
	return builder.String()
}

func unescapeHeader(value string) (string, error) {
	if !strings.ContainsRune(value, '\\') {
		return value, nil
	}

	var builder strings.Builder
	escaped := false
	for _, r := range value {
		if !escaped {
			if r == '\\' {
				escaped = true
			} else {
				builder.WriteRune(r)
			}
			continue
		}

		switch r {
		case '\\':
			builder.WriteRune('\\')
		case 'r':
			builder.WriteRune('\r')
		case 'n':
			builder.WriteRune('\n')
		case 'c':
			builder.WriteRune(':')
		default:
			return "", NewError(MalformedFrameError, "undefined header escape sequence")
		}
		escaped = false
	}
	if escaped {
		return "", NewError(MalformedFrameError, "dangling header escape")
	}
	return builder.String(), nil
}

// marshal encodes the frame with a trailing NUL. Headers are written in
// sorted key order so output is deterministic; content-length is always
// emitted for bodied frames.
func (f *frame) marshal() []byte {
	buffer := bytes.NewBuffer(nil)
	buffer.WriteString(f.command)
	buffer.WriteByte('\n')

	escaping := headerEscaping(f.command)
	keys := make([]string, 0, len(f.headers)+1)
	for key := range f.headers {
		keys = append(keys, key)
	}
	if len(f.body) > 0 {
		if _, exists := f.headers[headerContentLength]; !exists {
			keys = append(keys, headerContentLength)
		}
	}
	sort.Strings(keys)

	for _, key := range keys {
		value, exists := f.headers[key]
		if !exists && key == headerContentLength {
			value = strconv.Itoa(len(f.body))
		}
		if escaping {
			key = escapeHeader(key)
			value = escapeHeader(value)
		}
		buffer.WriteString(key)
		buffer.WriteByte(':')
		buffer.WriteString(value)
		buffer.WriteByte('\n')
	}

	buffer.WriteByte('\n')
	buffer.Write(f.body)
	buffer.WriteByte(0)

	return buffer.Bytes()
}

// parseFrame decodes one frame from a websocket message. Heartbeat input
// yields (nil, nil).
func parseFrame(data []byte) (*frame, error) {
	if len(data) == 0 || bytes.Equal(data, []byte("\n")) || bytes.Equal(data, []byte("\r\n")) {
		return nil, nil
	}

	commandEnd := bytes.IndexByte(data, '\n')
	if commandEnd < 0 {
		return nil, NewError(MalformedFrameError, "missing frame command terminator")
	}
	command := string(bytes.TrimRight(data[:commandEnd], "\r"))
	if command == "" {
		return nil, NewError(MalformedFrameError, "empty frame command")
	}

	parsed := newFrame(command)
	escaping := headerEscaping(command)
	rest := data[commandEnd+1:]

	for {
		lineEnd := bytes.IndexByte(rest, '\n')
		if lineEnd < 0 {
			return nil, NewError(MalformedFrameError, "unterminated header block")
		}
		line := string(bytes.TrimRight(rest[:lineEnd], "\r"))
		rest = rest[lineEnd+1:]

		if line == "" {
			break
		}

		separator := strings.IndexByte(line, ':')
		if separator < 0 {
			return nil, NewError(MalformedFrameError, "header line without separator")
		}

		key, value := line[:separator], line[separator+1:]
		if escaping {
			var err error
			if key, err = unescapeHeader(key); err != nil {
				return nil, err
			}
			if value, err = unescapeHeader(value); err != nil {
				return nil, err
			}
		}

		// First value wins for repeated headers, per the STOMP spec.
		if _, exists := parsed.headers[key]; !exists {
			parsed.headers[key] = value
		}
	}

	if lengthValue := parsed.header(headerContentLength); lengthValue != "" {
		length, err := strconv.Atoi(lengthValue)
		if err != nil || length < 0 || length > len(rest) {
			return nil, NewError(MalformedFrameError, "invalid content-length")
		}
		parsed.body = rest[:length]
	} else if nul := bytes.IndexByte(rest, 0); nul >= 0 {
		parsed.body = rest[:nul]
	} else {
		return nil, NewError(MalformedFrameError, "missing frame NUL terminator")
	}

	return parsed, nil
}

// Package proto defines the small JSON control-message shapes exchanged on
// top of the WebSocket connection: the session "config" and "eof" frames.
// Kept as exported pure encode/decode helpers, mirroring the reviewed
// codebase's MarshalDatagram/ParseDatagram testability pattern, so wire
// framing can be unit tested without a live socket.
package proto

import "encoding/json"

// AudioConfig is the JSON body of the session-init control message:
// {"config":{"sample_rate":16000,"room":"<id>"}}
type AudioConfig struct {
	SampleRate uint32 `json:"sample_rate"`
	Room       string `json:"room"`
}

// ConfigMessage wraps AudioConfig in its envelope field.
type ConfigMessage struct {
	Config AudioConfig `json:"config"`
}

// EOFMessage is the session-end control message: {"eof":1}.
type EOFMessage struct {
	EOF int `json:"eof"`
}

// MarshalConfig encodes a session-init control frame.
func MarshalConfig(sampleRate uint32, room string) ([]byte, error) {
	return json.Marshal(ConfigMessage{Config: AudioConfig{SampleRate: sampleRate, Room: room}})
}

// MarshalEOF encodes the fixed session-end control frame.
func MarshalEOF() ([]byte, error) {
	return json.Marshal(EOFMessage{EOF: 1})
}

// ParseConfig attempts to decode b as a config control frame. ok is false
// if b doesn't look like one (missing "config" key).
func ParseConfig(b []byte) (AudioConfig, bool) {
	var msg struct {
		Config *AudioConfig `json:"config"`
	}
	if err := json.Unmarshal(b, &msg); err != nil || msg.Config == nil {
		return AudioConfig{}, false
	}
	return *msg.Config, true
}

// ParseEOF reports whether b is an {"eof":1} control frame.
func ParseEOF(b []byte) bool {
	var msg struct {
		EOF int `json:"eof"`
	}
	if err := json.Unmarshal(b, &msg); err != nil {
		return false
	}
	return msg.EOF != 0
}

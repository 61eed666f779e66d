package telephony

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported_event", Message: message, Param: param}
}

// Event is one message from the telephony media stream. The concrete types are
// Connected, Start, Media, Mark, Stop and DTMF.
type Event interface {
	EventName() string
}

type Connected struct {
	Protocol string
	Version  string
}

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type Start struct {
	StreamSID        string
	CallSID          string
	AccountSID       string
	Tracks           []string
	MediaFormat      MediaFormat
	CustomParameters map[string]string
}

func (s Start) param(key string) string {
	return strings.TrimSpace(s.CustomParameters[key])
}

func (s Start) Direction() string    { return strings.ToLower(s.param("direction")) }
func (s Start) Voice() string        { return s.param("voice") }
func (s Start) Instructions() string { return s.param("instructions") }
func (s Start) From() string         { return s.param("from") }
func (s Start) To() string           { return s.param("to") }

type Media struct {
	StreamSID   string
	Track       string
	Chunk       int
	TimestampMS int64
	Payload     []byte
}

type Mark struct {
	StreamSID string
	Name      string
}

type Stop struct {
	StreamSID string
	CallSID   string
}

type DTMF struct {
	StreamSID string
	Digit     string
}

func (Connected) EventName() string { return "connected" }
func (Start) EventName() string     { return "start" }
func (Media) EventName() string     { return "media" }
func (Mark) EventName() string      { return "mark" }
func (Stop) EventName() string      { return "stop" }
func (DTMF) EventName() string      { return "dtmf" }

type wireEnvelope struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Protocol  string `json:"protocol"`
	Version   string `json:"version"`
	Start     *struct {
		StreamSID        string            `json:"streamSid"`
		CallSID          string            `json:"callSid"`
		AccountSID       string            `json:"accountSid"`
		Tracks           []string          `json:"tracks"`
		MediaFormat      MediaFormat       `json:"mediaFormat"`
		CustomParameters map[string]string `json:"customParameters"`
	} `json:"start"`
	Media *struct {
		Track     string `json:"track"`
		Chunk     string `json:"chunk"`
		Timestamp string `json:"timestamp"`
		Payload   string `json:"payload"`
	} `json:"media"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark"`
	Stop *struct {
		CallSID string `json:"callSid"`
	} `json:"stop"`
	DTMF *struct {
		Digit string `json:"digit"`
	} `json:"dtmf"`
}

func Decode(data []byte) (Event, error) {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	name := strings.TrimSpace(env.Event)
	if name == "" {
		return nil, badRequest("missing event", "event")
	}

	switch name {
	case "connected":
		return Connected{Protocol: env.Protocol, Version: env.Version}, nil
	case "start":
		if env.Start == nil {
			return nil, badRequest("start payload is required", "start")
		}
		streamSID := firstNonEmpty(env.Start.StreamSID, env.StreamSID)
		if streamSID == "" {
			return nil, badRequest("start.streamSid is required", "start.streamSid")
		}
		if strings.TrimSpace(env.Start.CallSID) == "" {
			return nil, badRequest("start.callSid is required", "start.callSid")
		}
		params := env.Start.CustomParameters
		if params == nil {
			params = map[string]string{}
		}
		return Start{
			StreamSID:        streamSID,
			CallSID:          strings.TrimSpace(env.Start.CallSID),
			AccountSID:       env.Start.AccountSID,
			Tracks:           env.Start.Tracks,
			MediaFormat:      env.Start.MediaFormat,
			CustomParameters: params,
		}, nil
	case "media":
		if env.Media == nil {
			return nil, badRequest("media payload is required", "media")
		}
		payload, err := base64.StdEncoding.DecodeString(env.Media.Payload)
		if err != nil {
			return nil, badRequest("media.payload must be base64", "media.payload")
		}
		ts, err := parseInt(env.Media.Timestamp)
		if err != nil {
			return nil, badRequest("media.timestamp must be an integer", "media.timestamp")
		}
		chunk, _ := parseInt(env.Media.Chunk)
		return Media{
			StreamSID:   env.StreamSID,
			Track:       env.Media.Track,
			Chunk:       int(chunk),
			TimestampMS: ts,
			Payload:     payload,
		}, nil
	case "mark":
		m := Mark{StreamSID: env.StreamSID}
		if env.Mark != nil {
			m.Name = env.Mark.Name
		}
		return m, nil
	case "stop":
		s := Stop{StreamSID: env.StreamSID}
		if env.Stop != nil {
			s.CallSID = env.Stop.CallSID
		}
		return s, nil
	case "dtmf":
		if env.DTMF == nil || strings.TrimSpace(env.DTMF.Digit) == "" {
			return nil, badRequest("dtmf.digit is required", "dtmf.digit")
		}
		return DTMF{StreamSID: env.StreamSID, Digit: strings.TrimSpace(env.DTMF.Digit)}, nil
	default:
		return nil, unsupported("unsupported telephony event", "event")
	}
}

func EncodeMedia(streamSID string, payload []byte) ([]byte, error) {
	return json.Marshal(map[string]any{
		"event":     "media",
		"streamSid": streamSID,
		"media": map[string]string{
			"payload": base64.StdEncoding.EncodeToString(payload),
		},
	})
}

func EncodeMark(streamSID, name string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"event":     "mark",
		"streamSid": streamSID,
		"mark":      map[string]string{"name": name},
	})
}

func EncodeClear(streamSID string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"event":     "clear",
		"streamSid": streamSID,
	})
}

func parseInt(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

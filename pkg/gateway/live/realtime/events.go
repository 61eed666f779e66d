package realtime

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

type DecodeError struct {
	Code    string
	Message string
	Type    string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Type) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Type)
}

// Event is one server event from the realtime ai leg.
type Event interface {
	EventType() string
}

type SessionReady struct {
	SessionID string
}

type AudioDelta struct {
	TurnID     string
	ResponseID string
	Payload    []byte
}

type UserTranscriptCompleted struct {
	ItemID string
	Text   string
}

type AssistantTranscriptCompleted struct {
	TurnID     string
	ResponseID string
	Text       string
}

type UserSpeechStarted struct {
	ItemID       string
	AudioStartMS int64
}

type TurnTruncated struct {
	TurnID    string
	ElapsedMS int64
}

// ToolCall is a completed function call from the assistant. Arguments is raw JSON.
type ToolCall struct {
	CallID    string
	Name      string
	Arguments string
	ItemID    string
}

type Error struct {
	Type    string
	Code    string
	Message string
}

// Ignored is a known event that carries nothing the call session acts on.
type Ignored struct {
	Type string
}

func (SessionReady) EventType() string                 { return "session.updated" }
func (AudioDelta) EventType() string                   { return "response.audio.delta" }
func (UserTranscriptCompleted) EventType() string      { return "conversation.item.input_audio_transcription.completed" }
func (AssistantTranscriptCompleted) EventType() string { return "response.audio_transcript.done" }
func (UserSpeechStarted) EventType() string            { return "input_audio_buffer.speech_started" }
func (TurnTruncated) EventType() string                { return "conversation.item.truncated" }
func (ToolCall) EventType() string                     { return "response.function_call_arguments.done" }
func (Error) EventType() string                        { return "error" }
func (e Ignored) EventType() string                    { return e.Type }

func ignored(typ string) bool {
	switch typ {
	case "session.created",
		"conversation.created",
		"conversation.item.created",
		"conversation.item.deleted",
		"conversation.item.input_audio_transcription.delta",
		"conversation.item.input_audio_transcription.failed",
		"input_audio_buffer.speech_stopped",
		"input_audio_buffer.committed",
		"input_audio_buffer.cleared",
		"response.created",
		"response.done",
		"response.output_item.added",
		"response.output_item.done",
		"response.content_part.added",
		"response.content_part.done",
		"response.audio.done",
		"response.audio_transcript.delta",
		"response.function_call_arguments.delta",
		"response.text.delta",
		"response.text.done",
		"rate_limits.updated":
		return true
	}
	return false
}

type wireEvent struct {
	Type       string `json:"type"`
	ItemID     string `json:"item_id"`
	ResponseID string `json:"response_id"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	AudioEndMS int64  `json:"audio_end_ms"`
	AudioStart int64  `json:"audio_start_ms"`
	CallID     string `json:"call_id"`
	Name       string `json:"name"`
	Arguments  string `json:"arguments"`
	Session    *struct {
		ID string `json:"id"`
	} `json:"session"`
	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func Decode(data []byte) (Event, error) {
	var ev wireEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, &DecodeError{Code: "bad_event", Message: "invalid json event"}
	}
	typ := strings.TrimSpace(ev.Type)
	if typ == "" {
		return nil, &DecodeError{Code: "bad_event", Message: "missing type"}
	}

	switch typ {
	case "session.updated":
		out := SessionReady{}
		if ev.Session != nil {
			out.SessionID = ev.Session.ID
		}
		return out, nil
	case "response.audio.delta":
		payload, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			return nil, &DecodeError{Code: "bad_event", Message: "audio delta is not base64", Type: typ}
		}
		return AudioDelta{TurnID: ev.ItemID, ResponseID: ev.ResponseID, Payload: payload}, nil
	case "conversation.item.input_audio_transcription.completed":
		return UserTranscriptCompleted{ItemID: ev.ItemID, Text: strings.TrimSpace(ev.Transcript)}, nil
	case "response.audio_transcript.done":
		return AssistantTranscriptCompleted{TurnID: ev.ItemID, ResponseID: ev.ResponseID, Text: strings.TrimSpace(ev.Transcript)}, nil
	case "input_audio_buffer.speech_started":
		return UserSpeechStarted{ItemID: ev.ItemID, AudioStartMS: ev.AudioStart}, nil
	case "conversation.item.truncated":
		return TurnTruncated{TurnID: ev.ItemID, ElapsedMS: ev.AudioEndMS}, nil
	case "response.function_call_arguments.done":
		if strings.TrimSpace(ev.CallID) == "" || strings.TrimSpace(ev.Name) == "" {
			return nil, &DecodeError{Code: "bad_event", Message: "function call without call_id or name", Type: typ}
		}
		return ToolCall{CallID: ev.CallID, Name: ev.Name, Arguments: ev.Arguments, ItemID: ev.ItemID}, nil
	case "error":
		out := Error{}
		if ev.Error != nil {
			out = Error{Type: ev.Error.Type, Code: ev.Error.Code, Message: ev.Error.Message}
		}
		return out, nil
	}
	if ignored(typ) {
		return Ignored{Type: typ}, nil
	}
	return nil, &DecodeError{Code: "unsupported_event", Message: "unsupported realtime event", Type: typ}
}

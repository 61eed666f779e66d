package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindEndCall     Kind = "end_call"
	KindPressDigits Kind = "press_digits"
	KindRequestUser Kind = "request_user"
	KindTransfer    Kind = "transfer"
)

// Guide is appended to the baseline instructions so the assistant knows when to use the
// call-control tools.
const Guide = `Call controls are available as tools. When the conversation is finished, say goodbye and then call end_call. ` +
	`Use press_digits to navigate phone menus. If you need information only a human operator can provide, ` +
	`tell the caller you are checking and call request_user. Call transfer only when the caller asks for a person ` +
	`and you have a number to transfer to. Never read tool names or arguments aloud.`

var ErrUnknownTool = errors.New("unknown call-control tool")

// Tool is a function declaration in the realtime session.update shape.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

func stringParam(name, description string) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			name: map[string]any{"type": "string", "description": description},
		},
		"required": []string{name},
	}
}

// Tools are the call-control functions offered to the assistant.
var Tools = []Tool{
	{
		Type:        "function",
		Name:        string(KindEndCall),
		Description: "Hang up once your goodbye has been spoken.",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
	},
	{
		Type:        "function",
		Name:        string(KindPressDigits),
		Description: "Press keypad digits on the call, e.g. to navigate a phone menu.",
		Parameters:  stringParam("digits", "Digits 0-9, * and #; w inserts a short pause."),
	},
	{
		Type:        "function",
		Name:        string(KindRequestUser),
		Description: "Put the caller on hold and ask a human operator a question.",
		Parameters:  stringParam("question", "The question for the operator."),
	},
	{
		Type:        "function",
		Name:        string(KindTransfer),
		Description: "Transfer the caller to another phone number. This ends your part of the call.",
		Parameters:  stringParam("number", "Destination in E.164 format, e.g. +15551234567."),
	},
}

// Command is a call-control action the assistant requested through a tool call.
type Command struct {
	Kind   Kind
	Arg    string
	CallID string
}

// FromToolCall maps a completed function call onto a command. Arguments are the raw JSON
// object the model produced.
func FromToolCall(callID, name, arguments string) (Command, error) {
	var args struct {
		Digits   string `json:"digits"`
		Question string `json:"question"`
		Number   string `json:"number"`
	}
	if raw := strings.TrimSpace(arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return Command{}, fmt.Errorf("%s arguments: %w", name, err)
		}
	}
	cmd := Command{Kind: Kind(strings.TrimSpace(name)), CallID: callID}
	switch cmd.Kind {
	case KindEndCall:
		return cmd, nil
	case KindPressDigits:
		cmd.Arg = strings.TrimSpace(args.Digits)
	case KindRequestUser:
		cmd.Arg = strings.TrimSpace(args.Question)
	case KindTransfer:
		cmd.Arg = strings.TrimSpace(args.Number)
	default:
		return Command{}, fmt.Errorf("%w %q", ErrUnknownTool, name)
	}
	if cmd.Arg == "" {
		return Command{}, fmt.Errorf("%s requires an argument", name)
	}
	return cmd, nil
}

package twilio

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/twilio/twilio-go/twiml"
)

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

// StreamTwiML connects a call to the media stream at streamURL. Params become custom
// parameters on the stream's start event.
func StreamTwiML(streamURL string, params map[string]string) (string, error) {
	if !strings.HasPrefix(streamURL, "wss://") && !strings.HasPrefix(streamURL, "ws://") {
		return "", fmt.Errorf("stream url must be a websocket url, got %q", streamURL)
	}
	names := make([]string, 0, len(params))
	for name, value := range params {
		if strings.TrimSpace(value) != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	parameters := make([]twiml.Element, 0, len(names))
	for _, name := range names {
		parameters = append(parameters, &twiml.VoiceParameter{Name: name, Value: params[name]})
	}
	stream := &twiml.VoiceStream{Url: streamURL, InnerElements: parameters}
	return render(&twiml.VoiceConnect{InnerElements: []twiml.Element{stream}})
}

// RejectTwiML speaks message (if any) and hangs up.
func RejectTwiML(message string) (string, error) {
	verbs := make([]twiml.Element, 0, 2)
	if message = strings.TrimSpace(message); message != "" {
		verbs = append(verbs, &twiml.VoiceSay{Message: message})
	}
	verbs = append(verbs, &twiml.VoiceHangup{})
	return render(verbs...)
}

// TransferTwiML dials target, bridging the caller to it.
func TransferTwiML(target string) (string, error) {
	target = strings.TrimSpace(target)
	if !e164.MatchString(target) {
		return "", fmt.Errorf("transfer target must be an E.164 number, got %q", target)
	}
	return render(&twiml.VoiceDial{Number: target})
}

func render(verbs ...twiml.Element) (string, error) {
	out, err := twiml.Voice(verbs)
	if err != nil {
		return "", fmt.Errorf("encode twiml: %w", err)
	}
	return out, nil
}

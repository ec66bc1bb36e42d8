package twilio

import (
	"fmt"
	"sort"

	"github.com/twilio/twilio-go/twiml"
)

// ConnectStreamTwiML returns the voice response that connects the call to a
// bidirectional media stream at streamURL. params are passed to the stream as
// <Parameter> elements and come back in the start frame's customParameters.
func ConnectStreamTwiML(streamURL string, params map[string]string) (string, error) {
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)

	inner := make([]twiml.Element, 0, len(names))
	for _, k := range names {
		if params[k] == "" {
			continue
		}
		inner = append(inner, &twiml.VoiceParameter{Name: k, Value: params[k]})
	}

	stream := &twiml.VoiceStream{Url: streamURL, InnerElements: inner}
	connect := &twiml.VoiceConnect{InnerElements: []twiml.Element{stream}}

	out, err := twiml.Voice([]twiml.Element{connect})
	if err != nil {
		return "", fmt.Errorf("twilio: build twiml: %w", err)
	}
	return out, nil
}

package pipeline

import (
	"encoding/json"
	"fmt"
)

// Event is one message of a pipeline run subscription. The set is closed;
// [Engine.HandleEvent] switches over every member.
type Event interface {
	// Type returns the wire type of the event.
	Type() string
}

// Init is the synthetic first message of a run. It carries the routing byte
// for binary audio.
type Init struct {
	HandlerID int
}

// RunStart opens a run.
type RunStart struct {
	HandlerID      int
	HasHandler     bool
	TTSURL         string
	StreamResponse bool
}

// WakeWordStart means the backend listens for the wake word.
type WakeWordStart struct{}

// WakeWordEnd reports the wake-word stage result. Missing is set when the
// output object was absent or null; an output object without a wake word id
// leaves WakeWordID empty.
type WakeWordEnd struct {
	WakeWordID string
	Missing    bool
}

type (
	SttStart    struct{}
	SttVADStart struct{}
	SttVADEnd   struct{}
)

// SttEnd carries the recognised text.
type SttEnd struct {
	Text string
}

// IntentStart means the intent stage began.
type IntentStart struct{}

// IntentProgress carries a streamed response delta and the early streaming
// TTS signal.
type IntentProgress struct {
	TTSStartStreaming bool
	Delta             string
	HasDelta          bool
}

// IntentEnd carries the intent result.
type IntentEnd struct {
	ResponseType   string
	Text           string
	Continue       bool
	ConversationID string
}

// TTSStart means synthesis began.
type TTSStart struct{}

// TTSEnd carries the resolved media URL.
type TTSEnd struct {
	URL string
}

// RunEnd closes a run.
type RunEnd struct{}

// RunError is a backend pipeline error.
type RunError struct {
	Code    string
	Message string
}

// Displaced means another client took over the satellite entity.
type Displaced struct{}

// Unknown is any event type this package does not interpret.
type Unknown struct {
	Name string
}

func (Init) Type() string           { return "init" }
func (RunStart) Type() string       { return "run-start" }
func (WakeWordStart) Type() string  { return "wake_word-start" }
func (WakeWordEnd) Type() string    { return "wake_word-end" }
func (SttStart) Type() string       { return "stt-start" }
func (SttVADStart) Type() string    { return "stt-vad-start" }
func (SttVADEnd) Type() string      { return "stt-vad-end" }
func (SttEnd) Type() string         { return "stt-end" }
func (IntentStart) Type() string    { return "intent-start" }
func (IntentProgress) Type() string { return "intent-progress" }
func (IntentEnd) Type() string      { return "intent-end" }
func (TTSStart) Type() string       { return "tts-start" }
func (TTSEnd) Type() string         { return "tts-end" }
func (RunEnd) Type() string         { return "run-end" }
func (RunError) Type() string       { return "error" }
func (Displaced) Type() string      { return "displaced" }
func (u Unknown) Type() string      { return u.Name }

// expectedErrors are error codes that only end the current turn.
var expectedErrors = map[string]bool{
	"timeout":                    true,
	"wake-word-timeout":          true,
	"stt-no-text-recognized":     true,
	"duplicate_wake_up_detected": true,
}

// Expected reports whether the error is benign.
func (e RunError) Expected() bool { return expectedErrors[e.Code] }

type envelope struct {
	Type      string          `json:"type"`
	HandlerID *int            `json:"handler_id"`
	Data      json.RawMessage `json:"data"`
}

// Decode parses one run subscription message.
func Decode(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("pipeline: decode event: %w", err)
	}
	if env.Type == "init" {
		if env.HandlerID == nil {
			return nil, fmt.Errorf("pipeline: init without handler_id")
		}
		return Init{HandlerID: *env.HandlerID}, nil
	}
	data := env.Data
	if len(data) == 0 || string(data) == "null" {
		data = json.RawMessage("{}")
	}

	switch env.Type {
	case "run-start":
		var d struct {
			RunnerData struct {
				HandlerID *int `json:"stt_binary_handler_id"`
			} `json:"runner_data"`
			TTSOutput struct {
				URL            string `json:"url"`
				StreamResponse bool   `json:"stream_response"`
			} `json:"tts_output"`
		}
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("pipeline: decode run-start: %w", err)
		}
		ev := RunStart{TTSURL: d.TTSOutput.URL, StreamResponse: d.TTSOutput.StreamResponse}
		if d.RunnerData.HandlerID != nil {
			ev.HandlerID, ev.HasHandler = *d.RunnerData.HandlerID, true
		}
		return ev, nil
	case "wake_word-start":
		return WakeWordStart{}, nil
	case "wake_word-end":
		var d struct {
			Output *struct {
				WakeWordID string `json:"wake_word_id"`
			} `json:"wake_word_output"`
		}
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("pipeline: decode wake_word-end: %w", err)
		}
		if d.Output == nil {
			return WakeWordEnd{Missing: true}, nil
		}
		return WakeWordEnd{WakeWordID: d.Output.WakeWordID}, nil
	case "stt-start":
		return SttStart{}, nil
	case "stt-vad-start":
		return SttVADStart{}, nil
	case "stt-vad-end":
		return SttVADEnd{}, nil
	case "stt-end":
		var d struct {
			Output struct {
				Text string `json:"text"`
			} `json:"stt_output"`
		}
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("pipeline: decode stt-end: %w", err)
		}
		return SttEnd{Text: d.Output.Text}, nil
	case "intent-start":
		return IntentStart{}, nil
	case "intent-progress":
		var d struct {
			TTSStartStreaming bool `json:"tts_start_streaming"`
			Delta             *struct {
				Content any `json:"content"`
			} `json:"chat_log_delta"`
		}
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("pipeline: decode intent-progress: %w", err)
		}
		ev := IntentProgress{TTSStartStreaming: d.TTSStartStreaming}
		if d.Delta != nil {
			ev.Delta, ev.HasDelta = d.Delta.Content.(string)
		}
		return ev, nil
	case "intent-end":
		return decodeIntentEnd(data)
	case "tts-start":
		return TTSStart{}, nil
	case "tts-end":
		var d struct {
			Output struct {
				URL     string `json:"url"`
				URLPath string `json:"url_path"`
			} `json:"tts_output"`
		}
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("pipeline: decode tts-end: %w", err)
		}
		url := d.Output.URL
		if url == "" {
			url = d.Output.URLPath
		}
		return TTSEnd{URL: url}, nil
	case "run-end":
		return RunEnd{}, nil
	case "error":
		var d struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("pipeline: decode error event: %w", err)
		}
		return RunError{Code: d.Code, Message: d.Message}, nil
	case "displaced":
		return Displaced{}, nil
	default:
		return Unknown{Name: env.Type}, nil
	}
}

func decodeIntentEnd(data json.RawMessage) (Event, error) {
	var d struct {
		Output struct {
			Response       json.RawMessage `json:"response"`
			Continue       any             `json:"continue_conversation"`
			ConversationID string          `json:"conversation_id"`
		} `json:"intent_output"`
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("pipeline: decode intent-end: %w", err)
	}
	cont, _ := d.Output.Continue.(bool)
	ev := IntentEnd{Continue: cont, ConversationID: d.Output.ConversationID}

	var response any
	if len(d.Output.Response) > 0 {
		if err := json.Unmarshal(d.Output.Response, &response); err != nil {
			return nil, fmt.Errorf("pipeline: decode intent response: %w", err)
		}
	}
	if m, ok := response.(map[string]any); ok {
		ev.ResponseType, _ = m["response_type"].(string)
	}
	ev.Text = ResponseText(response)
	return ev, nil
}

// ResponseText extracts the spoken text from an intent response. It tries
// response.speech.plain.speech, response.speech.speech, response.plain and a
// bare string, in that order.
func ResponseText(response any) string {
	if s := str(dig(response, "speech", "plain", "speech")); s != "" {
		return s
	}
	if s := str(dig(response, "speech", "speech")); s != "" {
		return s
	}
	if s := str(dig(response, "plain")); s != "" {
		return s
	}
	return str(response)
}

func dig(v any, path ...string) any {
	for _, k := range path {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		v = m[k]
	}
	return v
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

package realtime

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ent0n29/voicerag/internal/reliability"
)

// Server event types surfaced as updates.
const (
	EventFunctionCallArgumentsDelta = "response.function_call_arguments.delta"
	EventAudioDelta                 = "response.audio.delta"
	EventOutputAudioDelta           = "response.output_audio.delta"
	EventAudioTranscriptDelta       = "response.audio_transcript.delta"
	EventOutputAudioTranscriptDelta = "response.output_audio_transcript.delta"
	EventOutputItemDone             = "response.output_item.done"
	EventResponseDone               = "response.done"
	EventError                      = "error"
)

// Client event types.
const (
	EventSessionUpdate          = "session.update"
	EventInputAudioBufferAppend = "input_audio_buffer.append"
	EventInputAudioBufferCommit = "input_audio_buffer.commit"
	EventConversationItemCreate = "conversation.item.create"
	EventResponseCreate         = "response.create"
)

var ErrUnsupportedEvent = errors.New("unsupported server event")

type serverEnvelope struct {
	Type    string `json:"type"`
	EventID string `json:"event_id"`
}

type wireItem struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Name   string `json:"name"`
}

type functionCallArgumentsDeltaEvent struct {
	ItemID string `json:"item_id"`
	CallID string `json:"call_id"`
	Delta  string `json:"delta"`
}

type deltaEvent struct {
	Delta string `json:"delta"`
}

type outputItemDoneEvent struct {
	Item *wireItem `json:"item"`
}

type responseDoneEvent struct {
	Response *struct {
		ID     string     `json:"id"`
		Status string     `json:"status"`
		Output []wireItem `json:"output"`
	} `json:"response"`
}

type errorEvent struct {
	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
		Param   string `json:"param"`
		EventID string `json:"event_id"`
	} `json:"error"`
}

// ParseServerEvent decodes one realtime server event into an Update. Events the
// client does not act on return ErrUnsupportedEvent.
func ParseServerEvent(raw []byte) (Update, error) {
	var env serverEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case EventFunctionCallArgumentsDelta:
		var msg functionCallArgumentsDeltaEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.CallID == "" {
			return nil, fmt.Errorf("missing call_id in %s", env.Type)
		}
		return FunctionCallArgumentsDelta{CallID: msg.CallID, Delta: msg.Delta}, nil

	case EventAudioDelta, EventOutputAudioDelta:
		var msg deltaEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Delta == "" {
			return AudioDelta{}, nil
		}
		pcm, err := base64.StdEncoding.DecodeString(msg.Delta)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return AudioDelta{Bytes: pcm}, nil

	case EventAudioTranscriptDelta, EventOutputAudioTranscriptDelta:
		var msg deltaEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return OutputTranscriptDelta{Delta: msg.Delta}, nil

	case EventOutputItemDone:
		var msg outputItemDoneEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Item == nil {
			return nil, fmt.Errorf("missing item in %s", env.Type)
		}
		u := ItemFinished{ItemID: msg.Item.ID}
		if msg.Item.Type == "function_call" {
			u.FunctionCallID = msg.Item.CallID
			u.FunctionName = msg.Item.Name
		}
		return u, nil

	case EventResponseDone:
		var msg responseDoneEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Response == nil {
			return nil, fmt.Errorf("missing response in %s", env.Type)
		}
		u := ResponseFinished{ResponseID: msg.Response.ID, Status: msg.Response.Status}
		for _, item := range msg.Response.Output {
			created := CreatedItem{ID: item.ID, Type: item.Type}
			if item.Type == "function_call" {
				created.FunctionCallID = item.CallID
			}
			u.CreatedItems = append(u.CreatedItems, created)
		}
		return u, nil

	case EventError:
		var msg errorEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		u := ErrorUpdate{EventID: env.EventID}
		if msg.Error != nil {
			u.Type = msg.Error.Type
			u.Code = msg.Error.Code
			u.Message = msg.Error.Message
			u.Param = msg.Error.Param
			if msg.Error.EventID != "" {
				u.EventID = msg.Error.EventID
			}
		}
		u.Retryable = reliability.IsRetryableRealtimeError(u.Type, u.Code)
		return u, nil

	default:
		return nil, ErrUnsupportedEvent
	}
}

// SessionOptions configures the conversation session. TurnDetection is a
// detection type such as "server_vad"; "none" disables server-side turn detection.
type SessionOptions struct {
	Instructions       string
	Voice              string
	InputAudioFormat   string
	OutputAudioFormat  string
	Temperature        *float64
	TurnDetection      string
	TranscriptionModel string
	Tools              []FunctionTool
}

// FunctionTool declares a function the model may call.
type FunctionTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type inputTranscription struct {
	Model string `json:"model"`
}

type sessionPayload struct {
	Modalities         []string            `json:"modalities,omitempty"`
	Instructions       string              `json:"instructions,omitempty"`
	Voice              string              `json:"voice,omitempty"`
	InputAudioFormat   string              `json:"input_audio_format,omitempty"`
	OutputAudioFormat  string              `json:"output_audio_format,omitempty"`
	Temperature        *float64            `json:"temperature,omitempty"`
	TurnDetection      json.RawMessage     `json:"turn_detection,omitempty"`
	InputTranscription *inputTranscription `json:"input_audio_transcription,omitempty"`
	Tools              []FunctionTool      `json:"tools,omitempty"`
	ToolChoice         string              `json:"tool_choice,omitempty"`
}

type sessionUpdateEvent struct {
	Type    string         `json:"type"`
	Session sessionPayload `json:"session"`
}

type audioAppendEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type itemCreateEvent struct {
	Type string `json:"type"`
	Item Item   `json:"item"`
}

type bareEvent struct {
	Type string `json:"type"`
}

func newSessionUpdateEvent(opts SessionOptions) (sessionUpdateEvent, error) {
	payload := sessionPayload{
		Modalities:        []string{"text", "audio"},
		Instructions:      opts.Instructions,
		Voice:             opts.Voice,
		InputAudioFormat:  opts.InputAudioFormat,
		OutputAudioFormat: opts.OutputAudioFormat,
		Temperature:       opts.Temperature,
	}
	switch opts.TurnDetection {
	case "":
	case "none":
		payload.TurnDetection = json.RawMessage("null")
	default:
		td, err := json.Marshal(turnDetection{Type: opts.TurnDetection})
		if err != nil {
			return sessionUpdateEvent{}, err
		}
		payload.TurnDetection = td
	}
	if opts.TranscriptionModel != "" {
		payload.InputTranscription = &inputTranscription{Model: opts.TranscriptionModel}
	}
	if len(opts.Tools) > 0 {
		payload.Tools = make([]FunctionTool, 0, len(opts.Tools))
		for _, tool := range opts.Tools {
			if tool.Type == "" {
				tool.Type = "function"
			}
			payload.Tools = append(payload.Tools, tool)
		}
		payload.ToolChoice = "auto"
	}
	return sessionUpdateEvent{Type: EventSessionUpdate, Session: payload}, nil
}

package protocol

import (
	"encoding/base64"
	"strings"
)

// MessageType identifies realtime payload variants by their "type" tag.
type MessageType string

// Outbound (client → service).
const (
	TypeSessionUpdate          MessageType = "session.update"
	TypeInputAudioAppend       MessageType = "input_audio_buffer.append"
	TypeInputAudioCommit       MessageType = "input_audio_buffer.commit"
	TypeInputAudioClear        MessageType = "input_audio_buffer.clear"
	TypeConversationItemCreate MessageType = "conversation.item.create"
	TypeResponseCreate         MessageType = "response.create"
	TypeResponseCancel         MessageType = "response.cancel"
)

// Inbound (service → client).
const (
	TypeSessionCreated           MessageType = "session.created"
	TypeSessionUpdated           MessageType = "session.updated"
	TypeItemCreated              MessageType = "conversation.item.created"
	TypeBufferCommitted          MessageType = "input_audio_buffer.committed"
	TypeBufferCleared            MessageType = "input_audio_buffer.cleared"
	TypeResponseCreated          MessageType = "response.created"
	TypeSpeechStarted            MessageType = "input_audio_buffer.speech_started"
	TypeSpeechStopped            MessageType = "input_audio_buffer.speech_stopped"
	TypeAudioDelta               MessageType = "response.audio.delta"
	TypeAudioDone                MessageType = "response.audio.done"
	TypeTranscriptDelta          MessageType = "response.audio_transcript.delta"
	TypeTranscriptDone           MessageType = "response.audio_transcript.done"
	TypeInputTranscriptCompleted MessageType = "conversation.item.input_audio_transcription.completed"
	TypeResponseDone             MessageType = "response.done"
	TypeError                    MessageType = "error"
)

const (
	AudioFormatPCM16 = "pcm16"

	TurnDetectionServerVAD = "server_vad"
	TurnDetectionNone      = "none"
)

type Envelope struct {
	Type MessageType `json:"type"`
}

type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"`
}

type InputTranscription struct {
	Model string `json:"model"`
}

// SessionConfig is the body of session.update. A nil TurnDetection is sent
// as JSON null, which disables server-side voice activity detection.
type SessionConfig struct {
	Modalities              []string            `json:"modalities,omitempty"`
	Voice                   string              `json:"voice,omitempty"`
	Instructions            string              `json:"instructions,omitempty"`
	InputAudioFormat        string              `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string              `json:"output_audio_format,omitempty"`
	InputAudioTranscription *InputTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection      `json:"turn_detection"`
}

type SessionUpdate struct {
	Type    MessageType   `json:"type"`
	Session SessionConfig `json:"session"`
}

type InputAudioAppend struct {
	Type  MessageType `json:"type"`
	Audio string      `json:"audio"`
}

type InputAudioCommit struct {
	Type MessageType `json:"type"`
}

type InputAudioClear struct {
	Type MessageType `json:"type"`
}

type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type ConversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

type ConversationItemCreate struct {
	Type MessageType      `json:"type"`
	Item ConversationItem `json:"item"`
}

type ResponseConfig struct {
	Modalities   []string `json:"modalities,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

type ResponseCreate struct {
	Type     MessageType     `json:"type"`
	Response *ResponseConfig `json:"response,omitempty"`
}

type ResponseCancel struct {
	Type MessageType `json:"type"`
}

// SessionOptions describes how the companion wants the remote session set up.
type SessionOptions struct {
	Voice         string
	Instructions  string
	PageContext   string
	TurnDetection string
	Transcribe    bool
}

// NewSessionUpdate builds session.update from the companion's options.
func NewSessionUpdate(opts SessionOptions) SessionUpdate {
	cfg := SessionConfig{
		Modalities:        []string{"audio", "text"},
		Voice:             strings.TrimSpace(opts.Voice),
		Instructions:      ComposeInstructions(opts.Instructions, opts.PageContext),
		InputAudioFormat:  AudioFormatPCM16,
		OutputAudioFormat: AudioFormatPCM16,
	}
	if opts.TurnDetection != TurnDetectionNone {
		cfg.TurnDetection = &TurnDetection{
			Type:              TurnDetectionServerVAD,
			Threshold:         0.5,
			PrefixPaddingMS:   300,
			SilenceDurationMS: 500,
		}
	}
	if opts.Transcribe {
		cfg.InputAudioTranscription = &InputTranscription{Model: "whisper-1"}
	}
	return SessionUpdate{Type: TypeSessionUpdate, Session: cfg}
}

// ComposeInstructions appends the page the dancer is looking at to the base
// instructions so replies can refer to it.
func ComposeInstructions(base, pageContext string) string {
	base = strings.TrimSpace(base)
	pageContext = strings.TrimSpace(pageContext)
	if pageContext == "" {
		return base
	}
	if base == "" {
		return "Current page context: " + pageContext
	}
	return base + "\n\nCurrent page context: " + pageContext
}

func NewAudioAppend(pcm []byte) InputAudioAppend {
	return InputAudioAppend{Type: TypeInputAudioAppend, Audio: base64.StdEncoding.EncodeToString(pcm)}
}

func NewAudioCommit() InputAudioCommit { return InputAudioCommit{Type: TypeInputAudioCommit} }

func NewAudioClear() InputAudioClear { return InputAudioClear{Type: TypeInputAudioClear} }

func NewResponseCreate() ResponseCreate { return ResponseCreate{Type: TypeResponseCreate} }

func NewResponseCancel() ResponseCancel { return ResponseCancel{Type: TypeResponseCancel} }

// NewUserText builds a text turn from the user.
func NewUserText(text string) ConversationItemCreate {
	return ConversationItemCreate{
		Type: TypeConversationItemCreate,
		Item: ConversationItem{
			Type:    "message",
			Role:    "user",
			Content: []ContentPart{{Type: "input_text", Text: text}},
		},
	}
}

// TypeOf reports the type tag of an outbound message built by this package.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case SessionUpdate:
		return m.Type, true
	case InputAudioAppend:
		return m.Type, true
	case InputAudioCommit:
		return m.Type, true
	case InputAudioClear:
		return m.Type, true
	case ConversationItemCreate:
		return m.Type, true
	case ResponseCreate:
		return m.Type, true
	case ResponseCancel:
		return m.Type, true
	default:
		return "", false
	}
}

package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrUnsupportedType = errors.New("unsupported message type")

// ControlEvent is the closed set of inbound events the pipeline reacts to.
// Only this package can add variants; consumers dispatch with Accept.
type ControlEvent interface {
	EventType() MessageType
	Accept(v EventVisitor)
	sealed()
}

// EventVisitor has one method per ControlEvent variant, so adding a variant
// breaks every visitor until it handles the new case.
type EventVisitor interface {
	VisitSessionCreated(SessionCreated)
	VisitContextUpdated(ContextUpdated)
	VisitSpeechStarted(SpeechStarted)
	VisitSpeechStopped(SpeechStopped)
	VisitAudioDelta(AudioDelta)
	VisitAudioDone(AudioDone)
	VisitTranscriptDelta(TranscriptDelta)
	VisitTranscriptDone(TranscriptDone)
	VisitInputTranscript(InputTranscript)
	VisitResponseDone(ResponseDone)
	VisitErrorReported(ErrorReported)
	VisitNotice(Notice)
}

type SessionCreated struct {
	SessionID    string
	Model        string
	Voice        string
	Instructions string
}

// ContextUpdated is the acknowledgement of a session.update.
type ContextUpdated struct {
	SessionID    string
	Instructions string
}

type SpeechStarted struct {
	ItemID       string
	AudioStartMS int
}

type SpeechStopped struct {
	ItemID     string
	AudioEndMS int
}

// AudioDelta carries one decoded chunk of assistant PCM16 audio.
type AudioDelta struct {
	ResponseID string
	ItemID     string
	Audio      []byte
}

type AudioDone struct {
	ResponseID string
	ItemID     string
}

type TranscriptDelta struct {
	ResponseID string
	Delta      string
}

type TranscriptDone struct {
	ResponseID string
	Transcript string
}

// InputTranscript is the service's transcription of the user's speech.
type InputTranscript struct {
	ItemID     string
	Transcript string
}

type ResponseDone struct {
	ResponseID string
	Status     string
}

type ErrorReported struct {
	Err *ServerError
}

// Notice is an acknowledgement from the service that needs no reaction,
// such as conversation.item.created or response.created.
type Notice struct {
	Type       MessageType
	ItemID     string
	ResponseID string
}

func (SessionCreated) EventType() MessageType  { return TypeSessionCreated }
func (ContextUpdated) EventType() MessageType  { return TypeSessionUpdated }
func (SpeechStarted) EventType() MessageType   { return TypeSpeechStarted }
func (SpeechStopped) EventType() MessageType   { return TypeSpeechStopped }
func (AudioDelta) EventType() MessageType      { return TypeAudioDelta }
func (AudioDone) EventType() MessageType       { return TypeAudioDone }
func (TranscriptDelta) EventType() MessageType { return TypeTranscriptDelta }
func (TranscriptDone) EventType() MessageType  { return TypeTranscriptDone }
func (InputTranscript) EventType() MessageType { return TypeInputTranscriptCompleted }
func (ResponseDone) EventType() MessageType    { return TypeResponseDone }
func (ErrorReported) EventType() MessageType   { return TypeError }
func (e Notice) EventType() MessageType        { return e.Type }

func (e SessionCreated) Accept(v EventVisitor)  { v.VisitSessionCreated(e) }
func (e ContextUpdated) Accept(v EventVisitor)  { v.VisitContextUpdated(e) }
func (e SpeechStarted) Accept(v EventVisitor)   { v.VisitSpeechStarted(e) }
func (e SpeechStopped) Accept(v EventVisitor)   { v.VisitSpeechStopped(e) }
func (e AudioDelta) Accept(v EventVisitor)      { v.VisitAudioDelta(e) }
func (e AudioDone) Accept(v EventVisitor)       { v.VisitAudioDone(e) }
func (e TranscriptDelta) Accept(v EventVisitor) { v.VisitTranscriptDelta(e) }
func (e TranscriptDone) Accept(v EventVisitor)  { v.VisitTranscriptDone(e) }
func (e InputTranscript) Accept(v EventVisitor) { v.VisitInputTranscript(e) }
func (e ResponseDone) Accept(v EventVisitor)    { v.VisitResponseDone(e) }
func (e ErrorReported) Accept(v EventVisitor)   { v.VisitErrorReported(e) }
func (e Notice) Accept(v EventVisitor)          { v.VisitNotice(e) }

func (SessionCreated) sealed()  {}
func (ContextUpdated) sealed()  {}
func (SpeechStarted) sealed()   {}
func (SpeechStopped) sealed()   {}
func (AudioDelta) sealed()      {}
func (AudioDone) sealed()       {}
func (TranscriptDelta) sealed() {}
func (TranscriptDone) sealed()  {}
func (InputTranscript) sealed() {}
func (ResponseDone) sealed()    {}
func (ErrorReported) sealed()   {}
func (Notice) sealed()          {}

// ProtocolErrorKind classifies why an inbound payload was rejected.
type ProtocolErrorKind string

const (
	KindMalformed   ProtocolErrorKind = "malformed"
	KindUnsupported ProtocolErrorKind = "unsupported"
	KindInvalid     ProtocolErrorKind = "invalid"
)

// ProtocolError reports one inbound message that could not be turned into a
// ControlEvent. It never ends the session.
type ProtocolError struct {
	Kind ProtocolErrorKind
	Type MessageType
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("protocol: %s message: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("protocol: %s %q message: %v", e.Kind, e.Type, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ServerError is a logical error reported by the realtime service.
type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
	EventID string `json:"event_id"`
}

func (e *ServerError) Error() string {
	code := e.Code
	if code == "" {
		code = e.Type
	}
	if code == "" {
		return "realtime service error: " + e.Message
	}
	return fmt.Sprintf("realtime service error (%s): %s", code, e.Message)
}

type wireSession struct {
	ID           string `json:"id"`
	Model        string `json:"model"`
	Voice        string `json:"voice"`
	Instructions string `json:"instructions"`
}

type wireEvent struct {
	Type         MessageType  `json:"type"`
	Session      *wireSession `json:"session"`
	ItemID       string       `json:"item_id"`
	ResponseID   string       `json:"response_id"`
	AudioStartMS int          `json:"audio_start_ms"`
	AudioEndMS   int          `json:"audio_end_ms"`
	Delta        string       `json:"delta"`
	Transcript   string       `json:"transcript"`
	Item         *struct {
		ID string `json:"id"`
	} `json:"item"`
	Response *struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"response"`
	Error *ServerError `json:"error"`
}

// ParseServerEvent turns one raw inbound message into a ControlEvent.
// Every failure is a *ProtocolError.
func ParseServerEvent(raw []byte) (ControlEvent, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &ProtocolError{Kind: KindMalformed, Err: fmt.Errorf("invalid envelope: %w", err)}
	}
	if env.Type == "" {
		return nil, &ProtocolError{Kind: KindMalformed, Err: errors.New("missing type")}
	}
	if !isHandled(env.Type) {
		return nil, &ProtocolError{Kind: KindUnsupported, Type: env.Type, Err: ErrUnsupportedType}
	}

	var msg wireEvent
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, &ProtocolError{Kind: KindMalformed, Type: env.Type, Err: err}
	}
	invalid := func(reason string) error {
		return &ProtocolError{Kind: KindInvalid, Type: env.Type, Err: errors.New(reason)}
	}

	switch env.Type {
	case TypeSessionCreated, TypeSessionUpdated:
		if msg.Session == nil || strings.TrimSpace(msg.Session.ID) == "" {
			return nil, invalid("missing session.id")
		}
		if env.Type == TypeSessionUpdated {
			return ContextUpdated{SessionID: msg.Session.ID, Instructions: msg.Session.Instructions}, nil
		}
		return SessionCreated{
			SessionID:    msg.Session.ID,
			Model:        msg.Session.Model,
			Voice:        msg.Session.Voice,
			Instructions: msg.Session.Instructions,
		}, nil
	case TypeSpeechStarted:
		return SpeechStarted{ItemID: msg.ItemID, AudioStartMS: msg.AudioStartMS}, nil
	case TypeSpeechStopped:
		return SpeechStopped{ItemID: msg.ItemID, AudioEndMS: msg.AudioEndMS}, nil
	case TypeAudioDelta:
		if msg.Delta == "" {
			return nil, invalid("empty audio delta")
		}
		pcm, err := base64.StdEncoding.DecodeString(msg.Delta)
		if err != nil {
			return nil, &ProtocolError{Kind: KindMalformed, Type: env.Type, Err: fmt.Errorf("decode audio delta: %w", err)}
		}
		return AudioDelta{ResponseID: msg.ResponseID, ItemID: msg.ItemID, Audio: pcm}, nil
	case TypeAudioDone:
		return AudioDone{ResponseID: msg.ResponseID, ItemID: msg.ItemID}, nil
	case TypeTranscriptDelta:
		return TranscriptDelta{ResponseID: msg.ResponseID, Delta: msg.Delta}, nil
	case TypeTranscriptDone:
		return TranscriptDone{ResponseID: msg.ResponseID, Transcript: msg.Transcript}, nil
	case TypeInputTranscriptCompleted:
		return InputTranscript{ItemID: msg.ItemID, Transcript: msg.Transcript}, nil
	case TypeResponseDone:
		done := ResponseDone{}
		if msg.Response != nil {
			done.ResponseID = msg.Response.ID
			done.Status = msg.Response.Status
		}
		return done, nil
	case TypeError:
		if msg.Error == nil {
			return nil, invalid("missing error body")
		}
		return ErrorReported{Err: msg.Error}, nil
	case TypeItemCreated, TypeBufferCommitted, TypeBufferCleared, TypeResponseCreated:
		n := Notice{Type: env.Type, ItemID: msg.ItemID, ResponseID: msg.ResponseID}
		if msg.Item != nil && n.ItemID == "" {
			n.ItemID = msg.Item.ID
		}
		if msg.Response != nil && n.ResponseID == "" {
			n.ResponseID = msg.Response.ID
		}
		return n, nil
	default:
		return nil, &ProtocolError{Kind: KindUnsupported, Type: env.Type, Err: ErrUnsupportedType}
	}
}

func isHandled(t MessageType) bool {
	switch t {
	case TypeSessionCreated, TypeSessionUpdated, TypeSpeechStarted, TypeSpeechStopped,
		TypeAudioDelta, TypeAudioDone, TypeTranscriptDelta, TypeTranscriptDone,
		TypeInputTranscriptCompleted, TypeResponseDone, TypeError,
		TypeItemCreated, TypeBufferCommitted, TypeBufferCleared, TypeResponseCreated:
		return true
	default:
		return false
	}
}

package frames

import "time"

type Kind string

const (
	KindText    Kind = "text"
	KindControl Kind = "control"
)

type ControlCode string

const (
	// ControlSpeechEnd ends a capture session that produced no transcript.
	ControlSpeechEnd ControlCode = "speech_end"
	// ControlError ends a capture session that failed; MetaReason says why.
	ControlError        ControlCode = "error"
	ControlUtteranceEnd ControlCode = "utterance_end"
)

const (
	MetaStreamID  = "stream_id"
	MetaUtterance = "utterance_id"
	MetaSource    = "source"
	MetaReason    = "reason"
	MetaIsFinal   = "is_final"
	MetaCancelled = "cancelled"
)

// Frame is one message on a capability's Results channel.
type Frame interface {
	Kind() Kind
	PTS() int64
	Meta() map[string]string
}

// header carries what every frame has: a timestamp and string metadata.
type header struct {
	pts  int64
	meta map[string]string
}

func newHeader(streamID string, pts int64, meta map[string]string) header {
	h := header{pts: pts, meta: make(map[string]string, len(meta)+1)}
	for k, v := range meta {
		h.meta[k] = v
	}
	if streamID != "" {
		h.meta[MetaStreamID] = streamID
	}
	return h
}

func (h header) PTS() int64 { return h.pts }

// Meta returns a copy; frames are immutable once built.
func (h header) Meta() map[string]string {
	out := make(map[string]string, len(h.meta))
	for k, v := range h.meta {
		out[k] = v
	}
	return out
}

// Get reads one metadata value without copying the map.
func (h header) Get(key string) string { return h.meta[key] }

type TextFrame struct {
	header
	text string
}

func NewTextFrame(streamID string, pts int64, text string, meta map[string]string) TextFrame {
	return TextFrame{header: newHeader(streamID, pts, meta), text: text}
}

func (TextFrame) Kind() Kind     { return KindText }
func (t TextFrame) Text() string { return t.text }

// IsFinal reports whether the transcript is the finalized result of a capture session.
func (t TextFrame) IsFinal() bool { return t.Get(MetaIsFinal) == "true" }

type ControlFrame struct {
	header
	code ControlCode
}

func NewControlFrame(streamID string, pts int64, code ControlCode, meta map[string]string) ControlFrame {
	return ControlFrame{header: newHeader(streamID, pts, meta), code: code}
}

func (ControlFrame) Kind() Kind          { return KindControl }
func (c ControlFrame) Code() ControlCode { return c.code }

// NewFinalTranscript builds the frame a speech input emits when a session yields a result.
func NewFinalTranscript(streamID, source, text string) TextFrame {
	return NewTextFrame(streamID, time.Now().UnixNano(), text, map[string]string{
		MetaSource:  source,
		MetaIsFinal: "true",
	})
}

// NewCaptureError builds the frame a speech input emits when a session fails.
func NewCaptureError(streamID, source, reason string) ControlFrame {
	return NewControlFrame(streamID, time.Now().UnixNano(), ControlError, map[string]string{
		MetaSource: source,
		MetaReason: reason,
	})
}

// NewSpeechEnd builds the frame a speech input emits when a session ends without a result.
func NewSpeechEnd(streamID, source string) ControlFrame {
	return NewControlFrame(streamID, time.Now().UnixNano(), ControlSpeechEnd, map[string]string{
		MetaSource: source,
	})
}

// NewUtteranceEnd builds the frame a speech output emits when an utterance stops playing.
func NewUtteranceEnd(utteranceID, source string, cancelled bool) ControlFrame {
	meta := map[string]string{
		MetaSource:    source,
		MetaUtterance: utteranceID,
	}
	if cancelled {
		meta[MetaCancelled] = "true"
	}
	return NewControlFrame("", time.Now().UnixNano(), ControlUtteranceEnd, meta)
}

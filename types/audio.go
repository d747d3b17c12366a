package types

import "time"

// AudioChunk is one raw segment of synthesized or captured audio.
// Duration is a nominal estimate used by the pacing buffer; it may be zero
// when the producer cannot estimate (the buffer then estimates from byte size).
type AudioChunk struct {
	Data      []byte        `json:"data"`
	Duration  time.Duration `json:"duration,omitempty"`
	Format    string        `json:"format,omitempty"`
	IsFinal   bool          `json:"is_final"`
	Timestamp time.Time     `json:"timestamp,omitempty"`
}

// PacedChunk is an audio segment emitted by the adaptive buffer at a
// controlled cadence for smooth playback. Offset is the target emission
// offset from the start of the utterance's audio stream.
type PacedChunk struct {
	Data     []byte        `json:"data"`
	Duration time.Duration `json:"duration"`
	Offset   time.Duration `json:"offset"`
	Final    bool          `json:"final"`
}

// TranscriptEvent is one speech-to-text event. Partial events carry interim
// text and IsFinal=false; the end-of-utterance event carries IsFinal=true.
type TranscriptEvent struct {
	Text       string    `json:"text"`
	IsFinal    bool      `json:"is_final"`
	Confidence float64   `json:"confidence"`
	StartTime  float64   `json:"start_time,omitempty"`
	EndTime    float64   `json:"end_time,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

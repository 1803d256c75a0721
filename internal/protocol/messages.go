package protocol

import "time"

// SpeakRequest asks the runtime to narrate text. Starting a new request
// aborts any utterance already in flight.
type SpeakRequest struct {
	SessionID string  `json:"session_id"`
	Text      string  `json:"text"`
	Voice     string  `json:"voice,omitempty"`
	Speed     float64 `json:"speed,omitempty"`
	// Target redirects playback to a specific surface for this request
	// only; empty means the configured playback target.
	Target string `json:"target,omitempty"`
}

// SpeakStop cancels the active utterance. A stop with no matching session
// is a no-op.
type SpeakStop struct {
	SessionID string `json:"session_id,omitempty"`
}

// VoiceSelect updates the default voice used when a request names none.
type VoiceSelect struct {
	Voice string `json:"voice"`
}

// VoiceList is the reply to a voice query.
type VoiceList struct {
	Primary  []string `json:"primary"`
	Fallback []string `json:"fallback"`
	Default  string   `json:"default"`
}

// BackendStatus is the reply to a backend query.
type BackendStatus struct {
	State   string `json:"state"`
	Backend string `json:"backend"`
}

// ReadyStatus is the reply to a readiness query.
type ReadyStatus struct {
	Ready bool   `json:"ready"`
	State string `json:"state"`
}

// Lifecycle event types, emitted in index order per utterance.
const (
	EventStart         = "start"
	EventSentenceStart = "sentence-start"
	EventSentenceEnd   = "sentence-end"
	EventError         = "error"
	EventComplete      = "complete"
)

// SpeakEvent is one entry in an utterance's ordered lifecycle stream.
type SpeakEvent struct {
	SessionID           string    `json:"session_id"`
	Type                string    `json:"type"`
	Index               int       `json:"index,omitempty"`
	Text                string    `json:"text,omitempty"`
	TotalSentences      int       `json:"total_sentences,omitempty"`
	EstimatedDurationMS int       `json:"estimated_duration_ms,omitempty"`
	Message             string    `json:"message,omitempty"`
	Timestamp           time.Time `json:"timestamp"`
}

// PlaybackChunk carries PCM data to a remote playback surface.
type PlaybackChunk struct {
	SessionID  string `json:"session_id"`
	Target     string `json:"target"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// PlaybackDone signals that a surface finished rendering a chunk sequence.
type PlaybackDone struct {
	SessionID string    `json:"session_id"`
	Target    string    `json:"target"`
	Sequence  int       `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

// SurfaceAnnounce registers a remote playback surface on the bus.
type SurfaceAnnounce struct {
	SurfaceID string    `json:"surface_id"`
	Name      string    `json:"name,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SurfaceHeartbeat keeps a registered surface alive.
type SurfaceHeartbeat struct {
	SurfaceID string    `json:"surface_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ListenRequest submits captured audio for transcription. The recognition
// path is independent of the narration pipeline.
type ListenRequest struct {
	SessionID  string `json:"session_id"`
	PCM        []byte `json:"pcm"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// Transcript is recognizer output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubjectSpeakRequest     = "speak.request"
	SubjectSpeakStop        = "speak.stop"
	SubjectSpeakVoices      = "speak.voices"
	SubjectSpeakVoiceSelect = "speak.voice.select"
	SubjectSpeakBackend     = "speak.backend"
	SubjectSpeakReady       = "speak.ready"

	SubjectSpeakEventPrefix = "speak.event"

	SubjectPlaybackChunkPrefix = "playback.chunk"
	SubjectPlaybackDonePrefix  = "playback.done"

	SubjectSurfaceAnnounce  = "surface.announce"
	SubjectSurfaceHeartbeat = "surface.heartbeat"

	SubjectListenRequest = "listen.request"
	SubjectTranscript    = "listen.transcript"
)

// EventSubject returns the per-session lifecycle subject.
func EventSubject(sessionID string) string {
	return SubjectSpeakEventPrefix + "." + sessionID
}

// PlaybackChunkSubject returns the chunk subject for a surface target.
func PlaybackChunkSubject(target string) string {
	return SubjectPlaybackChunkPrefix + "." + target
}

// PlaybackDoneSubject returns the completion subject for a surface target.
func PlaybackDoneSubject(target string) string {
	return SubjectPlaybackDonePrefix + "." + target
}

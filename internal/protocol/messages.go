package protocol

import "time"

// StartNarration asks the narrator to speak Text for SessionKey, replacing
// any narration already running under that key.
type StartNarration struct {
	SessionKey string `json:"session_key"`
	Text       string `json:"text"`
	Title      string `json:"title,omitempty"`
	URL        string `json:"url,omitempty"`
	SpeechRate string `json:"speech_rate,omitempty"`
}

// StopNarration cancels the narration running under SessionKey, if any.
type StopNarration struct {
	SessionKey string `json:"session_key"`
}

// StatusUpdate carries a human-readable progress line.
type StatusUpdate struct {
	SessionKey string    `json:"session_key"`
	RunID      string    `json:"run_id,omitempty"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
}

// AudioChunk carries one synthesised chunk. Audio is base64 on the wire.
type AudioChunk struct {
	SessionKey string    `json:"session_key"`
	RunID      string    `json:"run_id,omitempty"`
	ChunkIndex int       `json:"chunk_index"`
	Audio      []byte    `json:"audio"`
	Format     string    `json:"format"`
	Timestamp  time.Time `json:"timestamp"`
}

// Error reports a validation or synthesis failure. It is terminal for the run.
type Error struct {
	SessionKey string    `json:"session_key"`
	RunID      string    `json:"run_id,omitempty"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// Complete is sent once after the last chunk of an uncancelled run.
type Complete struct {
	SessionKey string    `json:"session_key"`
	RunID      string    `json:"run_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// NodeAnnounce advertises a narrator node and what it can voice. Nodes
// announce on startup and whenever they see an announcement from a peer they
// did not know.
type NodeAnnounce struct {
	NodeID      string    `json:"node_id"`
	Region      string    `json:"region"`
	Voices      []string  `json:"voices"`
	SpeechRates []string  `json:"speech_rates"`
	Formats     []string  `json:"formats"`
	Timestamp   time.Time `json:"timestamp"`
}

// NodeHeartbeat keeps a node marked healthy and reports its load.
type NodeHeartbeat struct {
	NodeID         string    `json:"node_id"`
	ActiveSessions int       `json:"active_sessions"`
	Timestamp      time.Time `json:"timestamp"`
}

const (
	SubjectNarrationStart    = "narration.start"
	SubjectNarrationStop     = "narration.stop"
	SubjectNarrationStatus   = "narration.status"
	SubjectNarrationAudio    = "narration.audio"
	SubjectNarrationError    = "narration.error"
	SubjectNarrationComplete = "narration.complete"

	SubjectNodeAnnounce     = "narration.node.announce"
	// SubjectNodeHeartbeat takes the node ID as its last token.
	SubjectNodeHeartbeat    = "narration.node.heartbeat.%s"
	SubjectNodeHeartbeatAll = "narration.node.heartbeat.*"
)

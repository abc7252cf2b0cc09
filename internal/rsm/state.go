// Package rsm implements the room state machine: a pure, deterministic
// reducer over the nine room operation kinds. It has no
// network or storage dependency of its own — callers (the raft group, via
// its apply path) own when and how often Apply runs.
package rsm

import "encoding/json"

// Participant is one member of a room's ordered participant list.
type Participant struct {
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	JoinedAt  int64  `json:"joinedAt"`
	IsCreator bool   `json:"isCreator"`
}

// PlaylistItem is one entry in a room's ordered playlist.
type PlaylistItem struct {
	VideoID string `json:"videoId"`
	Title   string `json:"title,omitempty"`
	AddedBy string `json:"addedBy"`
	AddedAt int64  `json:"addedAt"`
}

// Playback is the room's current playback state.
type Playback struct {
	IsPlaying       bool    `json:"isPlaying"`
	CurrentVideoID  string  `json:"currentVideoId,omitempty"`
	PositionSeconds float64 `json:"positionSeconds"`
	LastUpdated     int64   `json:"lastUpdated"`
}

// ChatMessage is one entry in a room's bounded chat log.
type ChatMessage struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// MaxChatLog bounds the chat log to the most recent entries.
const MaxChatLog = 1000

// State is the deterministic room value. Every field
// that can change is replaced wholesale on Apply, never mutated in place,
// so a State value can be safely shared across goroutines once returned.
type State struct {
	Code         string         `json:"code"`
	CreatedAt    int64          `json:"createdAt"`
	CreatedBy    string         `json:"createdBy"`
	Participants []Participant  `json:"participants"`
	Playlist     []PlaylistItem `json:"playlist"`
	Playback     Playback       `json:"playback"`
	ChatLog      []ChatMessage  `json:"chatLog"`
}

// New returns the empty state seeded only with the room's immutable code.
// ROOM_CREATE fills in the rest on its first apply.
func New(code string) State {
	return State{Code: code}
}

// Created reports whether ROOM_CREATE has already been applied.
func (s State) Created() bool {
	return s.CreatedAt != 0
}

// ParticipantIndex returns the index of userID in Participants, or -1.
func (s State) ParticipantIndex(userID string) int {
	for i, p := range s.Participants {
		if p.UserID == userID {
			return i
		}
	}
	return -1
}

// CanonicalJSON serializes the state deterministically for cross-node
// byte-for-byte comparison.
func (s State) CanonicalJSON() ([]byte, error) {
	return json.Marshal(s)
}

// Equal reports whether two states are byte-identical under canonical JSON.
func (s State) Equal(other State) bool {
	a, errA := s.CanonicalJSON()
	b, errB := other.CanonicalJSON()
	if errA != nil || errB != nil {
		return false
	}
	return string(a) == string(b)
}

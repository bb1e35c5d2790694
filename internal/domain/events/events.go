// Package events defines the wire protocol spoken over the WebSocket:
// the four tagged JSON message variants sent to clients and the single
// chat-message variant accepted from them.
package events

import (
	"encoding/json"
	"errors"
	"strings"
	"unicode/utf8"
)

const (
	TypeAddMarker    = "add-marker"
	TypeRemoveMarker = "remove-marker"
	TypeRoomUpdate   = "room-update"
	TypeChatMessage  = "chat-message"
)

// MaxChatTextLen is the maximum accepted chat text length, counted in runes
// after trimming surrounding whitespace.
const MaxChatTextLen = 200

var (
	ErrUnknownType = errors.New("unknown message type")
	ErrEmptyText   = errors.New("chat text is empty")
	ErrTextTooLong = errors.New("chat text exceeds maximum length")
)

// Marker is a visitor position as rendered on the globe.
type Marker struct {
	ID  string  `json:"id"`
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type AddMarkerEvent struct {
	Type     string `json:"type"`
	Position Marker `json:"position"`
}

type RemoveMarkerEvent struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type RoomUpdateEvent struct {
	Type      string `json:"type"`
	RoomID    string `json:"roomId"`
	UserCount int    `json:"userCount"`
}

type ChatMessageEvent struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

func NewAddMarker(m Marker) AddMarkerEvent {
	return AddMarkerEvent{Type: TypeAddMarker, Position: m}
}

func NewRemoveMarker(id string) RemoveMarkerEvent {
	return RemoveMarkerEvent{Type: TypeRemoveMarker, ID: id}
}

func NewRoomUpdate(roomID string, userCount int) RoomUpdateEvent {
	return RoomUpdateEvent{Type: TypeRoomUpdate, RoomID: roomID, UserCount: userCount}
}

func NewChatMessage(id, text, timestamp string) ChatMessageEvent {
	return ChatMessageEvent{Type: TypeChatMessage, ID: id, Text: text, Timestamp: timestamp}
}

// ChatMessage is an accepted inbound chat line. The client also sends its own
// id, but the server trusts its knowledge of the sender instead, so the field
// is not carried here.
type ChatMessage struct {
	Text      string
	Timestamp string
}

type clientMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// DecodeChatMessage parses an inbound client frame. Chat messages are the
// only accepted variant; the text must be non-empty after trimming and at
// most MaxChatTextLen runes. Any error means the frame is dropped.
func DecodeChatMessage(raw []byte) (ChatMessage, error) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ChatMessage{}, err
	}

	if msg.Type != TypeChatMessage {
		return ChatMessage{}, ErrUnknownType
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return ChatMessage{}, ErrEmptyText
	}
	if utf8.RuneCountInString(text) > MaxChatTextLen {
		return ChatMessage{}, ErrTextTooLong
	}

	return ChatMessage{Text: text, Timestamp: msg.Timestamp}, nil
}

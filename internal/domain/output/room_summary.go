package output

// RoomSummary is the discovery view of one active room. It is recomputed
// from live room state on every query, never stored.
type RoomSummary struct {
	ID        string `json:"id"`
	UserCount int    `json:"userCount"`
}

type RoomListResponse struct {
	Rooms []RoomSummary `json:"rooms"`
}

// Package roomsvc holds thin clients for the external room service: the
// marker-creation endpoint and the room snapshot used at (re)join.
package roomsvc

import (
	"context"
	"fmt"

	"github.com/carlmjohnson/requests"

	"github.com/dkeye/Seance/internal/core"
	"github.com/dkeye/Seance/internal/domain"
)

type Client struct {
	baseURL string
	roomID  domain.RoomID
}

func New(baseURL string, roomID domain.RoomID) *Client {
	return &Client{baseURL: baseURL, roomID: roomID}
}

type markerBody struct {
	Identifier *string  `json:"identifier,omitempty"`
	VideoTime  *float64 `json:"video_time,omitempty"`
	SttTime    *float64 `json:"stt_time,omitempty"`
}

type markerResponse struct {
	ID string `json:"id"`
}

// CreateMarker implements core.MarkerCreator.
func (c *Client) CreateMarker(ctx context.Context, req core.MarkerRequest) (string, error) {
	body := markerBody{VideoTime: req.VideoTime, SttTime: req.STTTime}
	if req.Identifier != "" {
		body.Identifier = &req.Identifier
	}
	var resp markerResponse
	err := requests.URL(c.baseURL).
		Pathf("/api/rooms/%s/markers", string(c.roomID)).
		BodyJSON(&body).
		ToJSON(&resp).
		Fetch(ctx)
	if err != nil {
		return "", fmt.Errorf("create marker: %w", err)
	}
	return resp.ID, nil
}

// Fetch implements core.SnapshotSource.
func (c *Client) Fetch(ctx context.Context) (core.RoomSnapshot, error) {
	var snap core.RoomSnapshot
	err := requests.URL(c.baseURL).
		Pathf("/api/rooms/%s/snapshot", string(c.roomID)).
		ToJSON(&snap).
		Fetch(ctx)
	if err != nil {
		return core.RoomSnapshot{}, fmt.Errorf("fetch snapshot: %w", err)
	}
	return snap, nil
}

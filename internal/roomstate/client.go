package roomstate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Room is the relay's view of one live watch party.
type Room struct {
	ID               string `json:"room_id"`
	HostID           string `json:"host_id"`
	CreatedAt        int64  `json:"created_at"`
	ParticipantCount int    `json:"participant_count"`
}

type Participant struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	IsHost   bool   `json:"is_host"`
	JoinedAt int64  `json:"joined_at"`
}

// Client consumes the narrow room-state surface of the relay backend. It is
// used only to validate whether a presence-advertised room is still
// genuinely joinable.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

// GetRoomState fetches one room. A missing room returns (nil, nil), not an
// error: absence is an answer here, not a failure.
func (c *Client) GetRoomState(ctx context.Context, roomID string) (*Room, error) {
	var room Room
	found, err := c.get(ctx, fmt.Sprintf("%s/api/v1/rooms/%s", c.baseURL, roomID), &room)
	if err != nil || !found {
		return nil, err
	}
	return &room, nil
}

func (c *Client) GetRoomParticipants(ctx context.Context, roomID string) ([]Participant, error) {
	var participants []Participant
	found, err := c.get(ctx, fmt.Sprintf("%s/api/v1/rooms/%s/participants", c.baseURL, roomID), &participants)
	if err != nil || !found {
		return nil, err
	}
	return participants, nil
}

func (c *Client) get(ctx context.Context, url string, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("failed to decode response: %w", err)
	}
	return true, nil
}

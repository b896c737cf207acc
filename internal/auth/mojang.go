package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// DefaultSessionServerURL is the Mojang session server hasJoined endpoint.
const DefaultSessionServerURL = "https://sessionserver.mojang.com/session/minecraft/hasJoined"

// Profile is the oracle's answer to a successful session-join check.
type Profile struct {
	ID   uuid.UUID
	Name string
}

// SessionOracle verifies that an identity very recently established a game
// session under the given server id. joined=false means the oracle answered
// and said no; an error means the oracle could not answer at all.
type SessionOracle interface {
	HasJoined(ctx context.Context, username, serverID string) (Profile, bool, error)
}

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// MojangClient asks the Mojang session server whether a (username, serverId)
// pair just joined. The call is the only externally blocking step in the
// broker and is bounded by the configured timeout.
type MojangClient struct {
	client  httpDoer
	baseURL string
	timeout time.Duration
}

// NewMojangClient builds a session oracle client. An empty baseURL selects
// the public Mojang session server.
func NewMojangClient(client httpDoer, baseURL string, timeout time.Duration) *MojangClient {
	if client == nil {
		client = http.DefaultClient
	}
	if baseURL == "" {
		baseURL = DefaultSessionServerURL
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &MojangClient{client: client, baseURL: baseURL, timeout: timeout}
}

type mojangProfile struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (c *MojangClient) HasJoined(ctx context.Context, username, serverID string) (Profile, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	query := url.Values{}
	query.Set("username", username)
	query.Set("serverId", serverID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+query.Encode(), nil)
	if err != nil {
		return Profile{}, false, fmt.Errorf("auth: build oracle request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Profile{}, false, &OracleUnavailableError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return Profile{}, false, &OracleUnavailableError{Err: err}
		}
		var raw mojangProfile
		if err := json.Unmarshal(body, &raw); err != nil {
			return Profile{}, false, &OracleUnavailableError{Err: fmt.Errorf("decode profile: %w", err)}
		}
		// Mojang emits undashed uuids; uuid.Parse accepts both forms.
		id, err := uuid.Parse(raw.ID)
		if err != nil {
			return Profile{}, false, &OracleUnavailableError{Err: fmt.Errorf("parse profile id: %w", err)}
		}
		return Profile{ID: id, Name: raw.Name}, true, nil
	case resp.StatusCode == http.StatusNoContent || (resp.StatusCode >= 400 && resp.StatusCode < 500):
		// The oracle answered: this identity did not just join.
		return Profile{}, false, nil
	default:
		return Profile{}, false, &OracleUnavailableError{Err: fmt.Errorf("oracle status %d", resp.StatusCode)}
	}
}

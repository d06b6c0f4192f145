// Package backend is the HTTP client for the matchmaking API. The API owns
// matching, queueing, and session authority; this client only reads status and
// publishes this participant's broker peer address for the current session.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/duet-chat/duet/internal/proto"
	"github.com/duet-chat/duet/internal/util"
)

var logger = logging.Logger("backend")

type Client struct {
	BaseURL string
	UserID  string
	Token   string
	HTTP    *http.Client
}

func NewClient(baseURL, userID, token string) *Client {
	return &Client{
		BaseURL: util.NormalizeURL(baseURL),
		UserID:  userID,
		Token:   token,
		HTTP: &http.Client{
			Timeout: util.DefaultPublishTimeout,
		},
	}
}

func (c *Client) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Duet-User", c.UserID)
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return req, nil
}

// getJSON performs a GET request, drains the response body, and decodes JSON
// into v. Returns an error on non-2xx status or transport/decode failures.
func (c *Client) getJSON(ctx context.Context, url string, v any) error {
	req, err := c.newRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("GET %s: status %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// FetchStatus returns the current matchmaking status for this user.
func (c *Client) FetchStatus(ctx context.Context) (proto.Status, error) {
	var st proto.Status
	if err := c.getJSON(ctx, c.BaseURL+"/api/matchmaking/status", &st); err != nil {
		return proto.Status{}, err
	}
	return st, nil
}

// PublishPeerAddr publishes this participant's broker peer address for the
// session so the partner can discover and dial it.
func (c *Client) PublishPeerAddr(ctx context.Context, sessionID, peerAddr string) error {
	return c.putPeerAddr(ctx, proto.PeerAddrUpdate{SessionID: sessionID, PeerAddr: &peerAddr})
}

// ClearPeerAddr tells the backend this participant's peer address is no longer
// valid. Best-effort: callers log failures instead of escalating.
func (c *Client) ClearPeerAddr(ctx context.Context, sessionID string) error {
	return c.putPeerAddr(ctx, proto.PeerAddrUpdate{SessionID: sessionID, PeerAddr: nil})
}

func (c *Client) putPeerAddr(ctx context.Context, upd proto.PeerAddrUpdate) error {
	b, _ := json.Marshal(upd)
	req, err := c.newRequest(ctx, http.MethodPut, c.BaseURL+"/api/matchmaking/peer-id", bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("peer-id update: status %s", resp.Status)
	}
	logger.Debugw("peer address updated", "session", upd.SessionID, "cleared", upd.PeerAddr == nil, "took", time.Since(start))
	return nil
}

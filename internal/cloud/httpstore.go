package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/tonimelisma/ownedsync/internal/snapshot"
)

// writeRequest is the body of a library merge write.
type writeRequest struct {
	Snapshot        snapshot.Snapshot `json:"snapshot"`
	RemovedTrackIDs []string          `json:"removedTrackIds,omitempty"`
}

// backupList is the body of a backup listing.
type backupList struct {
	Backups []Backup `json:"backups"`
}

// HTTPStore is a Store backed by the library service's REST API.
type HTTPStore struct {
	client *Client
}

// NewHTTPStore creates a store over client.
func NewHTTPStore(client *Client) *HTTPStore {
	return &HTTPStore{client: client}
}

func userPath(uid string, parts ...string) string {
	var b strings.Builder

	b.WriteString("/users/")
	b.WriteString(url.PathEscape(uid))

	for _, p := range parts {
		b.WriteByte('/')
		b.WriteString(p)
	}

	return b.String()
}

func (h *HTTPStore) ReadSnapshot(ctx context.Context, uid string) (*snapshot.Snapshot, error) {
	if err := ValidateUID(uid); err != nil {
		return nil, err
	}

	var s snapshot.Snapshot

	found, err := h.getJSON(ctx, userPath(uid, "library"), &s)
	if err != nil || !found {
		return nil, err
	}

	return &s, nil
}

func (h *HTTPStore) WriteSnapshot(ctx context.Context, uid string, s snapshot.Snapshot, removed []string) error {
	if err := ValidateUID(uid); err != nil {
		return err
	}

	return h.send(ctx, http.MethodPut, userPath(uid, "library"), writeRequest{Snapshot: s, RemovedTrackIDs: removed})
}

func (h *HTTPStore) WriteBackup(ctx context.Context, uid string, s snapshot.Snapshot) error {
	if err := ValidateUID(uid); err != nil {
		return err
	}

	return h.send(ctx, http.MethodPost, userPath(uid, "backups"), s)
}

func (h *HTTPStore) ReadLatestBackup(ctx context.Context, uid string) (*snapshot.Snapshot, error) {
	if err := ValidateUID(uid); err != nil {
		return nil, err
	}

	var s snapshot.Snapshot

	found, err := h.getJSON(ctx, userPath(uid, "backups", "latest"), &s)
	if err != nil || !found {
		return nil, err
	}

	return &s, nil
}

func (h *HTTPStore) ListBackups(ctx context.Context, uid string) ([]Backup, error) {
	if err := ValidateUID(uid); err != nil {
		return nil, err
	}

	var list backupList

	if _, err := h.getJSON(ctx, userPath(uid, "backups"), &list); err != nil {
		return nil, err
	}

	return list.Backups, nil
}

func (h *HTTPStore) DeleteBackup(ctx context.Context, uid, id string) error {
	if err := ValidateUID(uid); err != nil {
		return err
	}

	return h.send(ctx, http.MethodDelete, userPath(uid, "backups", url.PathEscape(id)), nil)
}

// CleanupBackups asks the service to prune, so the listing and deletes
// happen next to the data in one request.
func (h *HTTPStore) CleanupBackups(ctx context.Context, uid string, keep int) error {
	if err := ValidateUID(uid); err != nil {
		return err
	}

	path := userPath(uid, "backups", "cleanup") + "?keep=" + strconv.Itoa(max(keep, 1))

	return h.send(ctx, http.MethodPost, path, nil)
}

// Watch subscribes to the service's change feed over a websocket and calls
// fn for every change until ctx ends or the connection drops.
func (h *HTTPStore) Watch(ctx context.Context, uid string, fn func(Change)) error {
	if err := ValidateUID(uid); err != nil {
		return err
	}

	wsURL, err := feedURL(h.client.BaseURL(), uid)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("User-Agent", h.client.userAgent)

	if h.client.tokens != nil {
		tok, err := h.client.tokens.Token()
		if err != nil {
			return fmt.Errorf("cloud: obtaining token: %w", err)
		}

		header.Set("Authorization", tok.Type()+" "+tok.AccessToken)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: h.client.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		return fmt.Errorf("cloud: dialing change feed: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		var c Change
		if err := wsjson.Read(ctx, conn, &c); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("cloud: reading change feed: %w", err)
		}

		fn(c)
	}
}

// feedURL turns the service base URL into the websocket feed URL for uid.
func feedURL(base, uid string) (string, error) {
	u, err := url.Parse(base + userPath(uid, "feed"))
	if err != nil {
		return "", fmt.Errorf("cloud: parsing feed URL: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	return u.String(), nil
}

// getJSON decodes a GET response into out. A 404 reports found=false
// without error.
func (h *HTTPStore) getJSON(ctx context.Context, path string, out any) (bool, error) {
	resp, err := h.client.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}

		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return false, nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("cloud: decoding %s: %w", path, err)
	}

	return true, nil
}

// send issues a request with an optional JSON body and discards the
// response body.
func (h *HTTPStore) send(ctx context.Context, method, path string, body any) error {
	var data []byte

	if body != nil {
		var err error

		data, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("cloud: encoding %s body: %w", path, err)
		}
	}

	resp, err := h.client.Do(ctx, method, path, data)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)

	return nil
}

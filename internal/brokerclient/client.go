// Package brokerclient is the HTTP client side of internal/broker: a thin
// stub performing the same four calls the adapter needs, translating
// network and decode failures into ErrTransportFailure so the filesystem
// front-end can treat broker unreachability as a single I/O-class error.
package brokerclient

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"gate/internal/store"
)

// ErrTransportFailure covers everything that keeps a request from reaching
// the broker and getting a well-formed response back: connection refused,
// timeout, malformed JSON.
var ErrTransportFailure = errors.New("broker transport failure")

// Client calls a running broker's HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client against a broker listening at baseURL
// (e.g. "http://127.0.0.1:12000").
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type acquireRequest struct {
	Path      string `json:"path"`
	Mode      string `json:"mode"`
	Owner     string `json:"owner"`
	TimeoutMS *int64 `json:"timeout_ms,omitempty"`
	LeaseMS   int64  `json:"lease_ms"`
	MaxHoldMS *int64 `json:"max_hold_ms,omitempty"`
}

type releaseRequest struct {
	LockID string `json:"lock_id"`
	Owner  string `json:"owner"`
}

type heartbeatRequest struct {
	LockID  string `json:"lock_id"`
	Owner   string `json:"owner"`
	LeaseMS int64  `json:"lease_ms"`
}

type lockInfoWire struct {
	LockID         string `json:"lock_id"`
	Path           string `json:"path"`
	Mode           string `json:"mode"`
	Owner          string `json:"owner"`
	AcquiredAt     string `json:"acquired_at"`
	LeaseExpiresAt string `json:"lease_expires_at"`
	MaxHoldMS      *int64 `json:"max_hold_ms"`
	HoldCount      int    `json:"hold_count"`
}

func (w lockInfoWire) toLockInfo() (store.LockInfo, error) {
	acquiredAt, err := time.Parse(time.RFC3339Nano, w.AcquiredAt)
	if err != nil {
		return store.LockInfo{}, errors.Wrap(err, "parsing acquired_at")
	}
	leaseExpiresAt, err := time.Parse(time.RFC3339Nano, w.LeaseExpiresAt)
	if err != nil {
		return store.LockInfo{}, errors.Wrap(err, "parsing lease_expires_at")
	}
	return store.LockInfo{
		LockID:         w.LockID,
		Path:           w.Path,
		Mode:           store.Mode(w.Mode),
		Owner:          w.Owner,
		AcquiredAt:     acquiredAt,
		LeaseExpiresAt: leaseExpiresAt,
		MaxHoldMS:      w.MaxHoldMS,
		HoldCount:      w.HoldCount,
	}, nil
}

type queueEntryWire struct {
	ReqID       int64  `json:"req_id"`
	Path        string `json:"path"`
	Mode        string `json:"mode"`
	Owner       string `json:"owner"`
	RequestedAt string `json:"requested_at"`
}

func (w queueEntryWire) toQueueEntry() (store.QueueEntry, error) {
	requestedAt, err := time.Parse(time.RFC3339Nano, w.RequestedAt)
	if err != nil {
		return store.QueueEntry{}, errors.Wrap(err, "parsing requested_at")
	}
	return store.QueueEntry{
		ReqID:       w.ReqID,
		Path:        w.Path,
		Mode:        store.Mode(w.Mode),
		Owner:       w.Owner,
		RequestedAt: requestedAt,
	}, nil
}

type statusWire struct {
	Locks []lockInfoWire   `json:"locks"`
	Queue []queueEntryWire `json:"queue"`
}

type releaseWire struct {
	Released bool `json:"released"`
}

type heartbeatWire struct {
	OK bool `json:"ok"`
}

type errorWire struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Acquire calls POST /v1/locks/acquire.
func (c *Client) Acquire(path string, mode store.Mode, owner string, timeoutMS *int64, leaseMS int64, maxHoldMS *int64) (store.LockInfo, error) {
	var out lockInfoWire
	if err := c.doJSON("POST", "/v1/locks/acquire", acquireRequest{
		Path:      path,
		Mode:      string(mode),
		Owner:     owner,
		TimeoutMS: timeoutMS,
		LeaseMS:   leaseMS,
		MaxHoldMS: maxHoldMS,
	}, &out); err != nil {
		return store.LockInfo{}, err
	}
	return out.toLockInfo()
}

// Release calls POST /v1/locks/release.
func (c *Client) Release(lockID, owner string) (bool, error) {
	var out releaseWire
	if err := c.doJSON("POST", "/v1/locks/release", releaseRequest{LockID: lockID, Owner: owner}, &out); err != nil {
		return false, err
	}
	return out.Released, nil
}

// Heartbeat calls POST /v1/locks/heartbeat.
func (c *Client) Heartbeat(lockID, owner string, leaseMS int64) (bool, error) {
	var out heartbeatWire
	if err := c.doJSON("POST", "/v1/locks/heartbeat", heartbeatRequest{LockID: lockID, Owner: owner, LeaseMS: leaseMS}, &out); err != nil {
		return false, err
	}
	return out.OK, nil
}

// Status calls GET /v1/locks/status.
func (c *Client) Status(path string) (store.StatusSnapshot, error) {
	url := c.baseURL + "/v1/locks/status"
	if path != "" {
		url += "?path=" + path
	}

	resp, err := c.http.Get(url)
	if err != nil {
		return store.StatusSnapshot{}, errors.Wrap(ErrTransportFailure, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return store.StatusSnapshot{}, decodeError(resp)
	}

	var wire statusWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return store.StatusSnapshot{}, errors.Wrap(ErrTransportFailure, err.Error())
	}

	snap := store.StatusSnapshot{
		Locks: make([]store.LockInfo, 0, len(wire.Locks)),
		Queue: make([]store.QueueEntry, 0, len(wire.Queue)),
	}
	for _, li := range wire.Locks {
		info, err := li.toLockInfo()
		if err != nil {
			return store.StatusSnapshot{}, err
		}
		snap.Locks = append(snap.Locks, info)
	}
	for _, qe := range wire.Queue {
		entry, err := qe.toQueueEntry()
		if err != nil {
			return store.StatusSnapshot{}, err
		}
		snap.Queue = append(snap.Queue, entry)
	}
	return snap, nil
}

func (c *Client) doJSON(method, path string, body interface{}, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(ErrTransportFailure, err.Error())
	}

	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return errors.Wrap(ErrTransportFailure, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(ErrTransportFailure, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(ErrTransportFailure, err.Error())
	}
	return nil
}

// decodeError maps a non-200 broker response back to the store sentinel
// error it was translated from, so callers can use errors.Is against the
// same sentinels internal/store returns.
func decodeError(resp *http.Response) error {
	var body errorWire
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return errors.Wrap(ErrTransportFailure, "broker returned a malformed error body")
	}

	switch body.Code {
	case "invalid_argument", "missing_field", "invalid_mode", "invalid_body":
		return errors.Wrap(store.ErrInvalidArgument, body.Message)
	case "not_found":
		return errors.Wrap(store.ErrNotFound, body.Message)
	case "permission_denied":
		return errors.Wrap(store.ErrPermissionDenied, body.Message)
	case "timed_out":
		return errors.Wrap(store.ErrTimedOut, body.Message)
	case "hold_cap_exceeded":
		return errors.Wrap(store.ErrHoldCapExceeded, body.Message)
	default:
		return errors.Wrap(ErrTransportFailure, body.Message)
	}
}

package broker

import "gate/internal/store"

// acquireRequest is the JSON body for POST /v1/locks/acquire, matching the
// wire table in the durable state layout section.
type acquireRequest struct {
	Path      string `json:"path"`
	Mode      string `json:"mode"`
	Owner     string `json:"owner"`
	TimeoutMS *int64 `json:"timeout_ms"`
	LeaseMS   int64  `json:"lease_ms"`
	MaxHoldMS *int64 `json:"max_hold_ms"`
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

// lockInfoResponse renders a store.LockInfo with ISO-8601 UTC timestamps.
type lockInfoResponse struct {
	LockID         string `json:"lock_id"`
	Path           string `json:"path"`
	Mode           string `json:"mode"`
	Owner          string `json:"owner"`
	AcquiredAt     string `json:"acquired_at"`
	LeaseExpiresAt string `json:"lease_expires_at"`
	MaxHoldMS      *int64 `json:"max_hold_ms"`
	HoldCount      int    `json:"hold_count"`
}

func renderLockInfo(li store.LockInfo) lockInfoResponse {
	return lockInfoResponse{
		LockID:         li.LockID,
		Path:           li.Path,
		Mode:           string(li.Mode),
		Owner:          li.Owner,
		AcquiredAt:     formatRFC3339(li.AcquiredAt),
		LeaseExpiresAt: formatRFC3339(li.LeaseExpiresAt),
		MaxHoldMS:      li.MaxHoldMS,
		HoldCount:      li.HoldCount,
	}
}

type queueEntryResponse struct {
	ReqID       int64  `json:"req_id"`
	Path        string `json:"path"`
	Mode        string `json:"mode"`
	Owner       string `json:"owner"`
	RequestedAt string `json:"requested_at"`
}

func renderQueueEntry(qe store.QueueEntry) queueEntryResponse {
	return queueEntryResponse{
		ReqID:       qe.ReqID,
		Path:        qe.Path,
		Mode:        string(qe.Mode),
		Owner:       qe.Owner,
		RequestedAt: formatRFC3339(qe.RequestedAt),
	}
}

// statusResponse mirrors status()'s original snapshot shape: locks and
// queue are always both present, queue always in req_id order.
type statusResponse struct {
	Locks []lockInfoResponse   `json:"locks"`
	Queue []queueEntryResponse `json:"queue"`
}

type releaseResponse struct {
	Released bool `json:"released"`
}

type heartbeatResponse struct {
	OK bool `json:"ok"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/phrazzld/checkq/internal/domain"
	"github.com/phrazzld/checkq/internal/service"
	"github.com/phrazzld/checkq/internal/service/dispatch"
)

// SubmitSessionRequest is the payload for POST /api/sessions.
type SubmitSessionRequest struct {
	Items     []string `json:"items"      validate:"required,min=1"`
	CheckMode string   `json:"check_mode" validate:"required,oneof=quick full"`
}

// SubmitSessionResponse is returned when a session has been created.
type SubmitSessionResponse struct {
	SessionID      uuid.UUID `json:"session_id"`
	PricePerTask   int64     `json:"price_per_task"`
	Total          int       `json:"total"`
	TimeoutSeconds int       `json:"timeout_seconds"`
	Invalid        int       `json:"invalid,omitempty"`
	Duplicates     int       `json:"duplicates,omitempty"`
}

func newSubmitSessionResponse(res *service.SubmitResult) SubmitSessionResponse {
	return SubmitSessionResponse{
		SessionID:      res.SessionID,
		PricePerTask:   res.PricePerTask,
		Total:          res.Total,
		TimeoutSeconds: res.TimeoutSeconds,
		Invalid:        res.Invalid,
		Duplicates:     res.Duplicates,
	}
}

// StatusResponse is returned by GET /api/sessions/{id}.
type StatusResponse struct {
	Session             domain.Snapshot       `json:"session"`
	RecentResolvedTasks []domain.ResolvedTask `json:"recent_resolved_tasks"`
}

// StopResponse is returned by POST /api/sessions/{id}/stop.
type StopResponse struct {
	OK      bool            `json:"ok"`
	Session domain.Snapshot `json:"session"`
}

// ClaimRequest is the payload for POST /api/pool/claim. PoolID may be
// omitted, in which case the pool named by the token is used.
type ClaimRequest struct {
	PoolID       string `json:"pool_id"`
	DesiredCount int    `json:"desired_count" validate:"gte=0"`
	CheckMode    string `json:"check_mode"    validate:"required,oneof=quick full"`
}

// ClaimResponse carries either dispatched tasks or an empty marker with a
// pause hint.
type ClaimResponse struct {
	Tasks             []dispatch.DispatchedTask `json:"tasks,omitempty"`
	Empty             bool                      `json:"empty,omitempty"`
	PauseHint         bool                      `json:"pause_hint,omitempty"`
	RetryAfterSeconds int                       `json:"retry_after_seconds,omitempty"`
}

func newClaimResponse(res *dispatch.ClaimResult) ClaimResponse {
	if res.Empty() {
		return ClaimResponse{
			Empty:             true,
			PauseHint:         res.PauseHint,
			RetryAfterSeconds: int(res.RetryAfter.Seconds()),
		}
	}
	return ClaimResponse{Tasks: res.Tasks}
}

// ResultItemRequest is one worker verdict. Either TaskID or Fingerprint
// must identify the task.
type ResultItemRequest struct {
	TaskID      string         `json:"task_id"`
	Fingerprint string         `json:"fingerprint"`
	StatusCode  int            `json:"status_code"`
	Message     string         `json:"message,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}

// ReportResultsRequest accepts a single item object, a bare array of items
// or {"items": [...]}.
type ReportResultsRequest struct {
	Items []ResultItemRequest
}

// maxReportItems bounds one results call.
const maxReportItems = 1000

var errNoResultItems = errors.New("no result items")

// UnmarshalJSON implements json.Unmarshaler.
func (r *ReportResultsRequest) UnmarshalJSON(data []byte) error {
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		return json.Unmarshal(trimmed, &r.Items)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	if raw, ok := fields["items"]; ok {
		var items []ResultItemRequest
		if err := json.Unmarshal(raw, &items); err != nil {
			return fmt.Errorf("items: %w", err)
		}
		r.Items = items
		return nil
	}

	var item ResultItemRequest
	if err := json.Unmarshal(data, &item); err != nil {
		return err
	}
	r.Items = []ResultItemRequest{item}
	return nil
}

// Validate implements the validation hook used by shared.ValidateRequest.
// Per-item problems are reported in the acknowledgements instead.
func (r *ReportResultsRequest) Validate() error {
	switch {
	case len(r.Items) == 0:
		return domain.NewValidationError("items", "must not be empty", errNoResultItems)
	case len(r.Items) > maxReportItems:
		return domain.NewValidationError("items", fmt.Sprintf("at most %d per call", maxReportItems), nil)
	}
	return nil
}

// toServiceItems converts the request into service items. Items whose
// task id does not parse are answered directly in rejected, keyed by their
// position in the request.
func (r *ReportResultsRequest) toServiceItems() (items []service.ResultItem, positions []int, rejected map[int]service.ItemAck) {
	rejected = make(map[int]service.ItemAck)
	for i, it := range r.Items {
		var id uuid.UUID
		if it.TaskID != "" {
			parsed, err := uuid.Parse(it.TaskID)
			if err != nil {
				rejected[i] = service.ItemAck{ID: it.TaskID, Message: "invalid task_id"}
				continue
			}
			id = parsed
		}
		items = append(items, service.ResultItem{
			TaskID:      id,
			Fingerprint: it.Fingerprint,
			StatusCode:  it.StatusCode,
			Message:     it.Message,
			Attributes:  it.Attributes,
		})
		positions = append(positions, i)
	}
	return items, positions, rejected
}

// ReportResultsResponse lists one acknowledgement per submitted item, in
// request order.
type ReportResultsResponse struct {
	Results []service.ItemAck `json:"results"`
}

package handlers

import (
	"time"

	"github.com/JeanGrijp/callquota/internal/core/domain"
)

type decisionResponse struct {
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason,omitempty"`
	Tier      string `json:"tier"`
	Limit     int64  `json:"limit"`
	Used      int64  `json:"used"`
	Remaining int64  `json:"remaining"`
}

type recordResponse struct {
	Admitted  bool   `json:"admitted"`
	Queued    bool   `json:"queued"`
	JobID     string `json:"jobId,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Tier      string `json:"tier"`
	Remaining int64  `json:"remaining"`
}

type windowResponse struct {
	Key   string    `json:"key"`
	Label string    `json:"label"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type accountUsageResponse struct {
	AccountID   string     `json:"accountId"`
	AccountName string     `json:"accountName,omitempty"`
	CallsMade   int64      `json:"callsMade"`
	LastCallAt  *time.Time `json:"lastCallAt,omitempty"`
}

type usageResponse struct {
	CallerID    string                 `json:"callerId"`
	Tier        string                 `json:"tier"`
	Limit       int64                  `json:"limit"`
	Used        int64                  `json:"used"`
	Remaining   int64                  `json:"remaining"`
	Percentage  float64                `json:"percentage"`
	Accounts    []accountUsageResponse `json:"accounts"`
	QueuedItems int64                  `json:"queuedItems"`
	Window      windowResponse         `json:"window"`
	NextReset   time.Time              `json:"nextReset"`
	Reason      string                 `json:"reason,omitempty"`
}

type globalResponse struct {
	Reached    bool    `json:"reached"`
	Current    int64   `json:"current"`
	Limit      int64   `json:"limit"`
	Percentage float64 `json:"percentage"`
	Reason     string  `json:"reason,omitempty"`
}

type drainResponse struct {
	Processed int   `json:"processed"`
	Failed    int   `json:"failed"`
	Skipped   int   `json:"skipped"`
	Remaining int64 `json:"remaining"`
}

type rotationResponse struct {
	Success       bool           `json:"success"`
	Window        windowResponse `json:"window"`
	Processed     int            `json:"processed"`
	ResetAccounts int            `json:"resetAccounts"`
	Repeated      bool           `json:"repeated"`
}

type tierResponse struct {
	CallerID string `json:"callerId"`
	Tier     string `json:"tier"`
}

type jobResponse struct {
	ID           string         `json:"id"`
	CallerID     string         `json:"callerId"`
	AccountID    string         `json:"accountId"`
	Action       string         `json:"action"`
	Payload      map[string]any `json:"payload,omitempty"`
	Tier         string         `json:"tier"`
	BasePriority int            `json:"basePriority"`
	Priority     int            `json:"priority"`
	Status       string         `json:"status"`
	Reason       string         `json:"reason,omitempty"`
	RetryCount   int            `json:"retryCount"`
	MaxRetries   int            `json:"maxRetries"`
	RetryAt      *time.Time     `json:"retryAt,omitempty"`
	LastError    string         `json:"lastError,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	ExpiresAt    time.Time      `json:"expiresAt"`
}

func newDecisionResponse(d domain.Decision) decisionResponse {
	return decisionResponse{
		Allowed:   d.Allowed,
		Reason:    string(d.Reason),
		Tier:      string(d.Tier),
		Limit:     d.Limit,
		Used:      d.Used,
		Remaining: d.Remaining,
	}
}

func newRecordResponse(r domain.RecordResult) recordResponse {
	return recordResponse{
		Admitted:  r.Admitted,
		Queued:    r.Queued,
		JobID:     r.JobID,
		Reason:    string(r.Reason),
		Tier:      string(r.Tier),
		Remaining: r.Remaining,
	}
}

func newWindowResponse(w domain.Window) windowResponse {
	return windowResponse{Key: w.Key, Label: w.Label, Start: w.Start, End: w.End}
}

func newUsageResponse(s domain.UsageStats) usageResponse {
	accounts := make([]accountUsageResponse, 0, len(s.Accounts))
	for _, a := range s.Accounts {
		accounts = append(accounts, accountUsageResponse{
			AccountID:   a.AccountID,
			AccountName: a.AccountName,
			CallsMade:   a.CallsMade,
			LastCallAt:  timePtr(a.LastCallAt),
		})
	}
	return usageResponse{
		CallerID:    s.CallerID,
		Tier:        string(s.Tier),
		Limit:       s.Limit,
		Used:        s.Used,
		Remaining:   s.Remaining,
		Percentage:  s.Percentage,
		Accounts:    accounts,
		QueuedItems: s.QueuedItems,
		Window:      newWindowResponse(s.Window),
		NextReset:   s.NextReset,
		Reason:      string(s.Reason),
	}
}

func newGlobalResponse(g domain.GlobalLimitStatus) globalResponse {
	return globalResponse{
		Reached:    g.Reached,
		Current:    g.Current,
		Limit:      g.Limit,
		Percentage: g.Percentage,
		Reason:     string(g.Reason),
	}
}

func newJobResponse(j *domain.DeferredAction) jobResponse {
	return jobResponse{
		ID:           j.ID,
		CallerID:     j.CallerID,
		AccountID:    j.AccountID,
		Action:       string(j.Action),
		Payload:      j.Payload,
		Tier:         string(j.Tier),
		BasePriority: j.BasePriority,
		Priority:     j.Priority,
		Status:       string(j.Status),
		Reason:       string(j.Reason),
		RetryCount:   j.RetryCount,
		MaxRetries:   j.MaxRetries,
		RetryAt:      timePtr(j.RetryAt),
		LastError:    j.LastError,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
		ExpiresAt:    j.ExpiresAt,
	}
}

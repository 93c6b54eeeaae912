package mongo

import (
	"time"

	"github.com/JeanGrijp/callquota/internal/core/domain"
)

type accountUsageDoc struct {
	AccountID   string    `bson:"accountId"`
	AccountName string    `bson:"accountName"`
	CallsMade   int64     `bson:"callsMade"`
	LastCallAt  time.Time `bson:"lastCallAt"`
}

type usageDoc struct {
	CallerID         string            `bson:"callerId"`
	WindowStart      time.Time         `bson:"windowStart"`
	WindowKey        string            `bson:"windowKey"`
	Tier             string            `bson:"tier"`
	TierLimit        int64             `bson:"tierLimit"`
	TotalCalls       int64             `bson:"totalCalls"`
	AutomationPaused bool              `bson:"automationPaused"`
	Accounts         []accountUsageDoc `bson:"accounts"`
	CreatedAt        time.Time         `bson:"createdAt"`
	UpdatedAt        time.Time         `bson:"updatedAt"`
}

func (d usageDoc) toDomain() *domain.UserWindowUsage {
	u := &domain.UserWindowUsage{
		CallerID:         d.CallerID,
		WindowStart:      d.WindowStart.UTC(),
		WindowKey:        d.WindowKey,
		Tier:             domain.ParseTier(d.Tier),
		TierLimit:        d.TierLimit,
		TotalCalls:       d.TotalCalls,
		AutomationPaused: d.AutomationPaused,
		CreatedAt:        d.CreatedAt.UTC(),
		UpdatedAt:        d.UpdatedAt.UTC(),
	}
	for _, a := range d.Accounts {
		u.Accounts = append(u.Accounts, domain.AccountUsage{
			AccountID:   a.AccountID,
			AccountName: a.AccountName,
			CallsMade:   a.CallsMade,
			LastCallAt:  a.LastCallAt.UTC(),
		})
	}
	return u
}

type globalDoc struct {
	WindowStart       time.Time `bson:"windowStart"`
	WindowKey         string    `bson:"windowKey"`
	Label             string    `bson:"label"`
	GlobalCalls       int64     `bson:"globalCalls"`
	GlobalLimit       int64     `bson:"globalLimit"`
	AccountsProcessed int       `bson:"accountsProcessed"`
	AutomationPaused  bool      `bson:"automationPaused"`
	Status            string    `bson:"status"`
	RotatedAt         time.Time `bson:"rotatedAt"`
	CompletedAt       time.Time `bson:"completedAt"`
	CreatedAt         time.Time `bson:"createdAt"`
	UpdatedAt         time.Time `bson:"updatedAt"`
}

func (d globalDoc) toDomain() *domain.GlobalWindowState {
	return &domain.GlobalWindowState{
		WindowStart:       d.WindowStart.UTC(),
		WindowKey:         d.WindowKey,
		Label:             d.Label,
		GlobalCalls:       d.GlobalCalls,
		GlobalLimit:       d.GlobalLimit,
		AccountsProcessed: d.AccountsProcessed,
		AutomationPaused:  d.AutomationPaused,
		Status:            domain.WindowStatus(d.Status),
		RotatedAt:         zeroUTC(d.RotatedAt),
		CompletedAt:       zeroUTC(d.CompletedAt),
		CreatedAt:         d.CreatedAt.UTC(),
		UpdatedAt:         d.UpdatedAt.UTC(),
	}
}

type jobDoc struct {
	ID               string         `bson:"_id"`
	CallerID         string         `bson:"callerId"`
	AccountID        string         `bson:"accountId"`
	Action           string         `bson:"actionType"`
	Payload          map[string]any `bson:"payload,omitempty"`
	ProviderCallCost int64          `bson:"providerCallCost"`
	Tier             string         `bson:"tier"`
	TierClass        int            `bson:"tierClass"`
	BasePriority     int            `bson:"basePriority"`
	Priority         int            `bson:"priority"`
	Status           string         `bson:"status"`
	Reason           string         `bson:"reason"`
	WindowStart      time.Time      `bson:"windowStart"`
	RetryCount       int            `bson:"retryCount"`
	MaxRetries       int            `bson:"maxRetries"`
	RetryAt          time.Time      `bson:"retryAt"`
	LastError        string         `bson:"lastError"`
	CreatedAt        time.Time      `bson:"createdAt"`
	UpdatedAt        time.Time      `bson:"updatedAt"`
	ExpiresAt        time.Time      `bson:"expiresAt"`
}

func newJobDoc(j *domain.DeferredAction) jobDoc {
	return jobDoc{
		ID:               j.ID,
		CallerID:         j.CallerID,
		AccountID:        j.AccountID,
		Action:           string(j.Action),
		Payload:          j.Payload,
		ProviderCallCost: j.ProviderCallCost,
		Tier:             string(j.Tier),
		TierClass:        j.Tier.Class(),
		BasePriority:     j.BasePriority,
		Priority:         j.Priority,
		Status:           string(j.Status),
		Reason:           string(j.Reason),
		WindowStart:      j.WindowStart,
		RetryCount:       j.RetryCount,
		MaxRetries:       j.MaxRetries,
		RetryAt:          j.RetryAt,
		LastError:        j.LastError,
		CreatedAt:        j.CreatedAt,
		UpdatedAt:        j.UpdatedAt,
		ExpiresAt:        j.ExpiresAt,
	}
}

func (d jobDoc) toDomain() *domain.DeferredAction {
	return &domain.DeferredAction{
		ID:               d.ID,
		CallerID:         d.CallerID,
		AccountID:        d.AccountID,
		Action:           domain.ActionType(d.Action),
		Payload:          d.Payload,
		ProviderCallCost: d.ProviderCallCost,
		Tier:             domain.ParseTier(d.Tier),
		BasePriority:     d.BasePriority,
		Priority:         d.Priority,
		Status:           domain.JobStatus(d.Status),
		Reason:           domain.ReasonCode(d.Reason),
		WindowStart:      d.WindowStart.UTC(),
		RetryCount:       d.RetryCount,
		MaxRetries:       d.MaxRetries,
		RetryAt:          zeroUTC(d.RetryAt),
		LastError:        d.LastError,
		CreatedAt:        d.CreatedAt.UTC(),
		UpdatedAt:        d.UpdatedAt.UTC(),
		ExpiresAt:        d.ExpiresAt.UTC(),
	}
}

type accountDoc struct {
	ID                     string    `bson:"_id"`
	CallerID               string    `bson:"callerId"`
	Username               string    `bson:"username"`
	ProviderCallCount      int64     `bson:"providerCallCount"`
	RateLimited            bool      `bson:"isRateLimited"`
	RateLimitResetAt       time.Time `bson:"rateLimitResetAt"`
	SkipFollowCheckForFree bool      `bson:"skipFollowCheckForFree"`
}

type subscriptionDoc struct {
	CallerID  string    `bson:"callerId"`
	Plan      string    `bson:"plan"`
	Status    string    `bson:"status"`
	ExpiresAt time.Time `bson:"expiresAt"`
}

func zeroUTC(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC()
}

package domain

import "time"

type ReasonCode string

const (
	ReasonNone                ReasonCode = ""
	ReasonAppGlobalLimit      ReasonCode = "app_global_limit_reached"
	ReasonUserTierLimit       ReasonCode = "user_tier_limit_reached"
	ReasonMetaRateLimit       ReasonCode = "meta_rate_limit_reached"
	ReasonFreeSkipFollowCheck ReasonCode = "free_user_skip_follow_check"
	ReasonSystemError         ReasonCode = "system_error"
	ReasonRedisError          ReasonCode = "redis_error"
	ReasonRetryScheduled      ReasonCode = "retry_scheduled"
)

// ProviderHourlyCeiling é o teto fixo imposto pelo provedor por conta externa.
const ProviderHourlyCeiling int64 = 200

// Decision é o resultado da verificação de admissão.
type Decision struct {
	Allowed   bool
	Reason    ReasonCode
	Tier      Tier
	Limit     int64
	Used      int64
	Remaining int64
}

// RecordRequest descreve uma chamada a ser contabilizada.
type RecordRequest struct {
	CallerID         string
	AccountID        string
	AccountName      string
	Action           ActionType
	ProviderCallCost int64
	Payload          map[string]any
}

type RecordResult struct {
	Admitted  bool
	Queued    bool
	JobID     string
	Reason    ReasonCode
	Tier      Tier
	Remaining int64
}

type DrainResult struct {
	Processed int
	Failed    int
	Skipped   int
	Remaining int64
}

type RotationResult struct {
	Success       bool
	Window        Window
	Processed     int
	ResetAccounts int
	Repeated      bool
}

type UsageStats struct {
	CallerID    string
	Tier        Tier
	Limit       int64
	Used        int64
	Remaining   int64
	Percentage  float64
	Accounts    []AccountUsage
	QueuedItems int64
	Window      Window
	NextReset   time.Time
	Reason      ReasonCode
}

type GlobalLimitStatus struct {
	Reached    bool
	Current    int64
	Limit      int64
	Percentage float64
	Reason     ReasonCode
}

// Percentage devolve used/limit em pontos percentuais, limitado a 100.
func Percentage(used, limit int64) float64 {
	if limit <= 0 {
		return 100
	}
	p := float64(used) / float64(limit) * 100
	if p > 100 {
		return 100
	}
	return p
}

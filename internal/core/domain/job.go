package domain

import (
	"time"
)

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// DeferredAction é uma ação negada na admissão e guardada para nova tentativa.
type DeferredAction struct {
	ID               string
	CallerID         string
	AccountID        string
	Action           ActionType
	Payload          map[string]any
	ProviderCallCost int64
	Tier             Tier
	BasePriority     int
	Priority         int
	Status           JobStatus
	Reason           ReasonCode
	WindowStart      time.Time
	RetryCount       int
	MaxRetries       int
	RetryAt          time.Time
	LastError        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ExpiresAt        time.Time
}

// scoreScale separa as duas chaves de ordenação do instante de criação em um
// único score float64, sem perder a precisão de milissegundos.
const scoreScale = 1e13

// QueueScore codifica a ordenação (classe do tier, prioridade base, criação)
// em um único score para a fila efêmera.
func (j *DeferredAction) QueueScore() float64 {
	rank := j.Tier.Class()*16 + ClampPriority(j.BasePriority)
	return float64(rank)*scoreScale + float64(j.CreatedAt.UnixMilli())
}

// Before informa se j é drenado antes de other.
func (j *DeferredAction) Before(other *DeferredAction) bool {
	if j.Tier.Class() != other.Tier.Class() {
		return j.Tier.Class() < other.Tier.Class()
	}
	if j.BasePriority != other.BasePriority {
		return j.BasePriority < other.BasePriority
	}
	return j.CreatedAt.Before(other.CreatedAt)
}

// Due informa se um job pendente pode rodar em now.
func (j *DeferredAction) Due(now time.Time) bool {
	return j.RetryAt.IsZero() || !j.RetryAt.After(now)
}

// Clone devolve uma cópia rasa com payload duplicado.
func (j *DeferredAction) Clone() *DeferredAction {
	c := *j
	if j.Payload != nil {
		c.Payload = make(map[string]any, len(j.Payload))
		for k, v := range j.Payload {
			c.Payload[k] = v
		}
	}
	return &c
}

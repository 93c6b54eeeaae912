package domain

import "time"

type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

// Class é a primeira chave de ordenação da fila: pro sempre antes de free.
func (t Tier) Class() int {
	if t == TierPro {
		return 0
	}
	return 1
}

// ParseTier devolve o tier mais restritivo para valores desconhecidos.
func ParseTier(s string) Tier {
	if Tier(s) == TierPro {
		return TierPro
	}
	return TierFree
}

// TierLimits agrega o limite de chamadas por janela de cada tier.
type TierLimits struct {
	Free int64
	Pro  int64
}

func (l TierLimits) For(t Tier) int64 {
	if t == TierPro {
		return l.Pro
	}
	return l.Free
}

// Subscription é a visão mínima da assinatura paga consumida pelo resolvedor de tier.
type Subscription struct {
	CallerID  string
	Plan      string
	Status    string
	ExpiresAt time.Time
}

const SubscriptionActive = "active"

func (s Subscription) ActiveAt(now time.Time) bool {
	return s.Status == SubscriptionActive && now.Before(s.ExpiresAt)
}

package domain

import "time"

// AccountUsage é a entrada por conta externa dentro do documento de uso do usuário.
type AccountUsage struct {
	AccountID   string
	AccountName string
	CallsMade   int64
	LastCallAt  time.Time
}

// UserWindowUsage é o documento durável por (usuário, janela).
type UserWindowUsage struct {
	CallerID         string
	WindowStart      time.Time
	WindowKey        string
	Tier             Tier
	TierLimit        int64
	TotalCalls       int64
	AutomationPaused bool
	Accounts         []AccountUsage
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// UsageIncrement descreve uma chamada admitida a ser espelhada no armazenamento durável.
type UsageIncrement struct {
	CallerID    string
	AccountID   string
	AccountName string
	Window      Window
	Tier        Tier
	TierLimit   int64
	Calls       int64
	At          time.Time
}

// GlobalWindowState é o registro global de uma janela.
type GlobalWindowState struct {
	WindowStart       time.Time
	WindowKey         string
	Label             string
	GlobalCalls       int64
	GlobalLimit       int64
	AccountsProcessed int
	AutomationPaused  bool
	Status            WindowStatus
	RotatedAt         time.Time
	CompletedAt       time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ExternalAccount é a fatia da conta do provedor lida e escrita por este núcleo.
type ExternalAccount struct {
	ID                     string
	CallerID               string
	Username               string
	ProviderCallCount      int64
	RateLimited            bool
	RateLimitResetAt       time.Time
	SkipFollowCheckForFree bool
}

// LimitedAt informa se a flag do provedor ainda vale em now.
func (a ExternalAccount) LimitedAt(now time.Time) bool {
	if !a.RateLimited {
		return false
	}
	return a.RateLimitResetAt.IsZero() || now.Before(a.RateLimitResetAt)
}

package domain

import (
	"fmt"
	"strings"
	"time"
)

type ActionType string

const (
	ActionCommentReply  ActionType = "comment_reply"
	ActionDMInitial     ActionType = "dm_initial"
	ActionDMFollowCheck ActionType = "dm_follow_check"
	ActionDMFinalLink   ActionType = "dm_final_link"
)

// ActionTypes lista o conjunto fechado de ações suportadas.
var ActionTypes = []ActionType{ActionCommentReply, ActionDMInitial, ActionDMFollowCheck, ActionDMFinalLink}

func ParseActionType(s string) (ActionType, error) {
	a := ActionType(strings.ToLower(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", fmt.Errorf("%w: %q (expected one of %v)", ErrInvalidActionType, s, ActionTypes)
	}
	return a, nil
}

func (a ActionType) Valid() bool {
	switch a {
	case ActionCommentReply, ActionDMInitial, ActionDMFollowCheck, ActionDMFinalLink:
		return true
	}
	return false
}

// BasePriority é a prioridade da ação antes do ajuste por tier (1 mais urgente).
func (a ActionType) BasePriority() int {
	switch a {
	case ActionDMFinalLink:
		return 1
	case ActionDMFollowCheck:
		return 2
	case ActionDMInitial:
		return 3
	case ActionCommentReply:
		return 4
	}
	return MaxPriority
}

func (a ActionType) IsFollowCheck() bool {
	return a == ActionDMFollowCheck
}

const (
	MinPriority       = 1
	MaxPriority       = 10
	DefaultMaxRetries = 3
	JobRetention      = 48 * time.Hour
)

func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

// EffectivePriority aplica o override de tier: pro colapsa para 1.
func EffectivePriority(a ActionType, t Tier) int {
	if t == TierPro {
		return MinPriority
	}
	return ClampPriority(a.BasePriority())
}

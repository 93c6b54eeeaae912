package services

import (
	"context"
	"fmt"

	"github.com/JeanGrijp/callquota/internal/core/domain"
	"github.com/JeanGrijp/callquota/internal/core/ports"
)

// Executors associa cada tipo de ação ao seu executor. O conjunto de ações é
// fechado, então a escolha é um switch resolvido em tempo de compilação.
type Executors struct {
	CommentReply  ports.Executor
	DirectMessage ports.Executor
	FollowCheck   ports.Executor
}

func (e Executors) validate() error {
	if e.CommentReply == nil || e.DirectMessage == nil || e.FollowCheck == nil {
		return fmt.Errorf("executors for comment replies, direct messages and follow checks are required")
	}
	return nil
}

func (e Executors) Execute(ctx context.Context, job *domain.DeferredAction) error {
	var exec ports.Executor
	switch job.Action {
	case domain.ActionCommentReply:
		exec = e.CommentReply
	case domain.ActionDMInitial, domain.ActionDMFinalLink:
		exec = e.DirectMessage
	case domain.ActionDMFollowCheck:
		exec = e.FollowCheck
	default:
		return fmt.Errorf("%w: %q", domain.ErrInvalidActionType, job.Action)
	}
	return exec.Execute(ctx, job.AccountID, job.CallerID, job.Payload)
}

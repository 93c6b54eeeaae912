package services

import (
	"fmt"
	"strings"

	"github.com/JeanGrijp/callquota/internal/core/domain"
)

const (
	readyQueueKey   = "quota:queue:ready"
	delayedQueueKey = "quota:queue:delayed"
)

func normalizeID(id string) string {
	return strings.TrimSpace(id)
}

func globalKey(w domain.Window) string {
	return fmt.Sprintf("quota:global:%s", w.Key)
}

func userKey(callerID string, w domain.Window) string {
	return fmt.Sprintf("quota:user:%s:%s", normalizeID(callerID), w.Key)
}

func accountKey(accountID string, w domain.Window) string {
	return fmt.Sprintf("quota:account:%s:%s", normalizeID(accountID), w.Key)
}

// limitedKey é o marcador fixo de limite do provedor; não depende da janela.
func limitedKey(accountID string) string {
	return fmt.Sprintf("quota:account:%s:limited", normalizeID(accountID))
}

func tierKey(callerID string) string {
	return fmt.Sprintf("quota:tier:%s", normalizeID(callerID))
}

func userPattern(w domain.Window) string {
	return fmt.Sprintf("quota:user:*:%s", w.Key)
}

func accountPattern(w domain.Window) string {
	return fmt.Sprintf("quota:account:*:%s", w.Key)
}

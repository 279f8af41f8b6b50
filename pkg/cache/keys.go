package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Default TTLs per entity class.
const (
	// Versions are immutable once written.
	VersionTTL    = 24 * time.Hour
	DefinitionTTL = 10 * time.Minute
	InstanceTTL   = 5 * time.Minute
	PendingTTL    = time.Minute
	QueryTTL      = time.Minute
)

// QueryPattern matches every hashed query-result key.
const QueryPattern = "query:*"

func VersionKey(workflowID string, version int) string {
	return fmt.Sprintf("workflow_version:%s:%d", workflowID, version)
}

func DefinitionKey(workflowID string) string {
	return "workflow:" + workflowID
}

func VersionHistoryKey(workflowID string) string {
	return "workflow_history:" + workflowID
}

func InstanceKey(instanceID string) string {
	return "instance:" + instanceID
}

func PendingKey(userID string) string {
	return "pending_approvals:" + userID
}

// HashKey builds a fixed-length query key under "query:<kind>:" from
// arbitrary parts.
func HashKey(kind string, parts ...any) string {
	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			b.WriteByte('|')
		}
		fmt.Fprintf(&b, "%+v", p)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return "query:" + kind + ":" + hex.EncodeToString(sum[:8])
}

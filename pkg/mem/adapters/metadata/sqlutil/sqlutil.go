// Package sqlutil holds the query building and column encoding shared by the
// SQL metadata store adapters. Queries use '?' placeholders; callers rebind
// them for their driver.
package sqlutil

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lexlapax/neurovault/pkg/entity"
	"github.com/lexlapax/neurovault/pkg/mem"
)

// Columns is the memory_records column list in scan order.
const Columns = `id, tenant_id, user_id, conversation_id, memory_type, content, embedding_id,
	created_at, last_accessed, access_count, importance, confidence, decay_lambda,
	status, version, parent_ids, ttl_days, expires_at, metadata`

// InsertRecord inserts every column.
const InsertRecord = `INSERT INTO memory_records (` + Columns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// UpdateRecord is the compare-and-swap write of the mutable columns.
const UpdateRecord = `UPDATE memory_records
	SET importance = ?, status = ?, embedding_id = ?, parent_ids = ?, metadata = ?, version = ?
	WHERE tenant_id = ? AND id = ? AND version = ?`

// InsertAudit appends to the access log.
const InsertAudit = `INSERT INTO memory_access_log (id, record_id, tenant_id, user_id, actor, action, changes, at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

// TimeArg converts a time into the driver's column representation.
type TimeArg func(time.Time) any

// EncodeJSON marshals v for a TEXT/JSONB column, mapping nil to an empty object or array.
func EncodeJSON(v any) (string, error) {
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return "{}", nil
		}
	case []string:
		if t == nil {
			return "[]", nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal column: %w", err)
	}
	return string(data), nil
}

// DecodeMetadata unmarshals a metadata column; an empty object yields nil.
func DecodeMetadata(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

// DecodeParents unmarshals the parent_ids column.
func DecodeParents(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("failed to unmarshal parent ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return ids, nil
}

// InsertArgs returns the arguments for InsertRecord.
func InsertArgs(r *mem.Record, ts TimeArg) ([]any, error) {
	meta, err := EncodeJSON(r.Metadata)
	if err != nil {
		return nil, err
	}
	parents, err := EncodeJSON(r.ParentIDs)
	if err != nil {
		return nil, err
	}
	var expires any
	if r.ExpiresAt != nil {
		expires = ts(*r.ExpiresAt)
	}
	return []any{
		r.ID, string(r.TenantID), r.UserID, r.ConversationID, string(r.Type), r.Content, r.EmbeddingID,
		ts(r.Timestamp), ts(r.LastAccessed), r.AccessCount, r.Importance, r.Confidence, r.DecayLambda,
		string(r.Status), r.Version, parents, r.TTLDays, expires, meta,
	}, nil
}

// UpdateArgs returns the arguments for UpdateRecord given the record after
// the patch and the version it was read at.
func UpdateArgs(r *mem.Record, readVersion int64) ([]any, error) {
	meta, err := EncodeJSON(r.Metadata)
	if err != nil {
		return nil, err
	}
	parents, err := EncodeJSON(r.ParentIDs)
	if err != nil {
		return nil, err
	}
	return []any{
		r.Importance, string(r.Status), r.EmbeddingID, parents, meta, r.Version,
		string(r.TenantID), r.ID, readVersion,
	}, nil
}

// AuditArgs returns the arguments for InsertAudit.
func AuditArgs(e mem.AuditEntry, ts TimeArg) ([]any, error) {
	changes, err := EncodeJSON(e.Changes)
	if err != nil {
		return nil, err
	}
	return []any{e.ID, e.RecordID, string(e.TenantID), e.UserID, e.Actor, string(e.Action), changes, ts(e.At)}, nil
}

// ListQuery builds the WHERE/ORDER/LIMIT tail of a ListCandidates query.
func ListQuery(p entity.Partition, f mem.Filter, limit int, ts TimeArg) (string, []any) {
	var b strings.Builder
	args := []any{string(p.TenantID), p.UserID}
	b.WriteString(" WHERE tenant_id = ? AND user_id = ?")

	statuses := f.EffectiveStatuses()
	b.WriteString(" AND status IN (" + placeholders(len(statuses)) + ")")
	for _, s := range statuses {
		args = append(args, string(s))
	}
	if len(f.Types) > 0 {
		b.WriteString(" AND memory_type IN (" + placeholders(len(f.Types)) + ")")
		for _, t := range f.Types {
			args = append(args, string(t))
		}
	}
	if f.ConversationID != "" {
		b.WriteString(" AND conversation_id = ?")
		args = append(args, f.ConversationID)
	}
	if !f.CreatedBefore.IsZero() {
		b.WriteString(" AND created_at <= ?")
		args = append(args, ts(f.CreatedBefore))
	}
	if f.MinImportance > 0 {
		b.WriteString(" AND importance >= ?")
		args = append(args, f.MinImportance)
	}
	if f.MinAccessCount > 0 {
		b.WriteString(" AND access_count >= ?")
		args = append(args, f.MinAccessCount)
	}

	switch f.Order {
	case mem.OrderByRecentAccess:
		b.WriteString(" ORDER BY last_accessed DESC, created_at DESC")
	default:
		if f.AfterID != "" {
			b.WriteString(" AND id > ?")
			args = append(args, f.AfterID)
		}
		b.WriteString(" ORDER BY id ASC")
	}
	if limit > 0 {
		b.WriteString(fmt.Sprintf(" LIMIT %d", limit))
	}
	return b.String(), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

package memory

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/odyssey-erp/odyssey-ledger/internal/audit"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Record appends an audit log. It implements audit.Recorder.
func (s *Store) Record(_ context.Context, log shared.AuditLog) error {
	if err := log.Validate(); err != nil {
		return err
	}
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	if s.auditErr != nil {
		return s.auditErr
	}
	s.audit = append(s.audit, log)
	return nil
}

// FailAudit makes every later Record return err; nil restores recording.
func (s *Store) FailAudit(err error) {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	s.auditErr = err
}

// AuditLogs returns recorded logs of a tenant in insertion order.
func (s *Store) AuditLogs(tenantID string) []shared.AuditLog {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	var out []shared.AuditLog
	for _, log := range s.audit {
		if log.TenantID == tenantID {
			out = append(out, log)
		}
	}
	return out
}

// AuditTimeline implements audit.Repository, newest first.
func (s *Store) AuditTimeline(_ context.Context, q audit.TimelineQuery) ([]audit.TimelineRow, error) {
	logs := s.AuditLogs(q.TenantID)
	slices.Reverse(logs)
	var out []audit.TimelineRow
	skipped := 0
	for _, log := range logs {
		if !within(log.At, q.From, q.To) ||
			(q.Actor != "" && log.Actor != q.Actor) ||
			(q.Entity != "" && log.Entity != q.Entity) ||
			(q.EntityID != "" && log.EntityID != q.EntityID) ||
			(q.Action != "" && log.Action != q.Action) {
			continue
		}
		if skipped < q.Offset {
			skipped++
			continue
		}
		row := audit.TimelineRow{
			At:       log.At,
			BranchID: log.BranchID,
			Actor:    log.Actor,
			Action:   log.Action,
			Entity:   log.Entity,
			EntityID: log.EntityID,
		}
		var err error
		if row.Before, err = rawState(log.Before); err != nil {
			return nil, err
		}
		if row.After, err = rawState(log.After); err != nil {
			return nil, err
		}
		out = append(out, row)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func rawState(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

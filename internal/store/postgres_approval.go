package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/governor/internal/approval"
	"github.com/kiranshivaraju/governor/internal/events"
	"github.com/kiranshivaraju/governor/pkg/models"
)

const flowColumns = `id, tenant_id, change_request_id, rule_json, state, pending_roles, version,
	created_at, updated_at, completed_at, finalized_at`

const recordColumns = `id, flow_id, change_request_id, approver_id, approver_name, approver_role, decision,
	comments, conditions, review_notes, metrics_reviewed, created_at`

func scanFlow(row pgx.Row) (*approval.Flow, error) {
	var (
		f       approval.Flow
		ruleRaw []byte
		pending []string
	)
	err := row.Scan(&f.ID, &f.TenantID, &f.ChangeRequestID, &ruleRaw, &f.State, &pending, &f.Version,
		&f.CreatedAt, &f.UpdatedAt, &f.CompletedAt, &f.FinalizedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(ruleRaw, &f.Rule); err != nil {
		return nil, fmt.Errorf("decode rule for flow %s: %w", f.ID, err)
	}
	f.Pending = make([]models.ApprovalRole, len(pending))
	for i, r := range pending {
		f.Pending[i] = models.ApprovalRole(r)
	}
	f.Records = []models.ApprovalRecord{}
	return &f, nil
}

func roleStrings(roles []models.ApprovalRole) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}

// loadRecords attaches each flow's records in vote order.
func loadRecords(ctx context.Context, q querier, flows ...*approval.Flow) error {
	if len(flows) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(flows))
	byID := make(map[uuid.UUID]*approval.Flow, len(flows))
	for i, f := range flows {
		ids[i] = f.ID
		byID[f.ID] = f
	}

	rows, err := q.Query(ctx,
		`SELECT `+recordColumns+` FROM approval_records WHERE flow_id = ANY($1) ORDER BY flow_id, position`, ids)
	if err != nil {
		return fmt.Errorf("list approval records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r models.ApprovalRecord
		if err := rows.Scan(&r.ID, &r.FlowID, &r.ChangeRequestID, &r.ApproverID, &r.ApproverName, &r.ApproverRole,
			&r.Decision, &r.Comments, &r.Conditions, &r.ReviewNotes, &r.MetricsReviewed, &r.CreatedAt); err != nil {
			return fmt.Errorf("scan approval record: %w", err)
		}
		if f := byID[r.FlowID]; f != nil {
			f.Records = append(f.Records, r)
		}
	}
	return rows.Err()
}

func latestFlow(ctx context.Context, q querier, changeRequestID string, forUpdate bool) (*approval.Flow, error) {
	sql := `SELECT ` + flowColumns + ` FROM approval_flows
		WHERE change_request_id = $1 ORDER BY created_at DESC LIMIT 1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	f, err := scanFlow(q.QueryRow(ctx, sql, changeRequestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest flow: %w", err)
	}
	if err := loadRecords(ctx, q, f); err != nil {
		return nil, err
	}
	return f, nil
}

func (s *PostgresStore) GetLatestFlow(ctx context.Context, changeRequestID string) (*approval.Flow, error) {
	return latestFlow(ctx, s.pool, changeRequestID, false)
}

func (s *PostgresStore) ListOpenFlowsForRole(ctx context.Context, tenantID uuid.UUID, role models.ApprovalRole) ([]*approval.Flow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+flowColumns+` FROM approval_flows
		 WHERE tenant_id = $1 AND state = 'open' AND $2 = ANY(pending_roles)
		 ORDER BY created_at`, tenantID, string(role))
	if err != nil {
		return nil, fmt.Errorf("list open flows: %w", err)
	}
	var flows []*approval.Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan flow: %w", err)
		}
		flows = append(flows, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list open flows: %w", err)
	}
	if err := loadRecords(ctx, s.pool, flows...); err != nil {
		return nil, err
	}
	return flows, nil
}

func (s *PostgresStore) MarkFinalized(ctx context.Context, flowID uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE approval_flows SET finalized_at = $2, updated_at = $2
		 WHERE id = $1 AND state <> 'open'`, flowID, at)
	if err != nil {
		return fmt.Errorf("mark flow finalized: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx approval.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgFlowTx{tx: tx})
	})
}

// pgFlowTx implements approval.Tx on a pgx transaction.
type pgFlowTx struct {
	tx pgx.Tx
}

var _ approval.Tx = (*pgFlowTx)(nil)

func (t *pgFlowTx) LockLatestFlow(ctx context.Context, changeRequestID string) (*approval.Flow, error) {
	return latestFlow(ctx, t.tx, changeRequestID, true)
}

func (t *pgFlowTx) InsertFlow(ctx context.Context, f *approval.Flow) error {
	rule, err := json.Marshal(f.Rule)
	if err != nil {
		return fmt.Errorf("encode rule: %w", err)
	}
	_, err = t.tx.Exec(ctx,
		`INSERT INTO approval_flows (id, tenant_id, change_request_id, impact_level, rule_json, state, pending_roles,
		   version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		f.ID, f.TenantID, f.ChangeRequestID, string(f.Rule.ImpactLevel), rule, string(f.State),
		roleStrings(f.Pending), f.Version, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			if constraintName(err) == "uq_approval_flows_open" {
				return fmt.Errorf("%w: %s", approval.ErrFlowExists, f.ChangeRequestID)
			}
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert flow: %w", err)
	}
	return nil
}

func (t *pgFlowTx) UpdateFlow(ctx context.Context, f *approval.Flow, rec models.ApprovalRecord) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE approval_flows
		 SET state = $3, pending_roles = $4, version = version + 1, updated_at = $5, completed_at = $6
		 WHERE id = $1 AND version = $2`,
		f.ID, f.Version, string(f.State), roleStrings(f.Pending), f.UpdatedAt, f.CompletedAt)
	if err != nil {
		return fmt.Errorf("update flow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: flow %s", ErrConcurrentUpdate, f.ID)
	}

	conditions := rec.Conditions
	if conditions == nil {
		conditions = []string{}
	}
	_, err = t.tx.Exec(ctx,
		`INSERT INTO approval_records (`+recordColumns+`, position)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		rec.ID, f.ID, rec.ChangeRequestID, rec.ApproverID, rec.ApproverName, string(rec.ApproverRole),
		string(rec.Decision), rec.Comments, conditions, rec.ReviewNotes, rec.MetricsReviewed, rec.CreatedAt,
		len(f.Records)-1)
	if err != nil {
		if isDuplicateKeyError(err) {
			if constraintName(err) == "approval_records_flow_id_approver_role_key" {
				return fmt.Errorf("%w: %s", approval.ErrDuplicateRoleVote, rec.ApproverRole)
			}
			return fmt.Errorf("%w: flow %s", ErrConcurrentUpdate, f.ID)
		}
		return fmt.Errorf("insert approval record: %w", err)
	}

	f.Version++
	return nil
}

func (t *pgFlowTx) Append(ctx context.Context, e events.Event) (events.Record, error) {
	rec, err := events.Encode(e)
	if err != nil {
		return events.Record{}, err
	}
	err = t.tx.QueryRow(ctx,
		`INSERT INTO approval_events (event_id, event_type, aggregate_id, payload, occurred_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING sequence`,
		rec.ID, string(rec.Type), rec.AggregateID, []byte(rec.Payload), rec.OccurredAt).Scan(&rec.Sequence)
	if err != nil {
		return events.Record{}, fmt.Errorf("append event: %w", err)
	}
	return rec, nil
}

// --- Events ---

func (s *PostgresStore) ListByAggregate(ctx context.Context, aggregateID uuid.UUID) ([]events.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT sequence, event_id, event_type, aggregate_id, payload, occurred_at
		 FROM approval_events WHERE aggregate_id = $1 ORDER BY sequence`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	out := []events.Record{}
	for rows.Next() {
		var (
			r       events.Record
			payload []byte
		)
		if err := rows.Scan(&r.Sequence, &r.ID, &r.Type, &r.AggregateID, &payload, &r.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		r.Payload = payload
		out = append(out, r)
	}
	return out, rows.Err()
}

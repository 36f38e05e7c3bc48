package postgres

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/scoir/anchor/pkg/datastore"
)

func insertEvents(ctx context.Context, tx pgx.Tx, events []*datastore.AuditEvent) error {
	for _, e := range events {
		var payload []byte
		if len(e.Payload) > 0 {
			var err error
			if payload, err = json.Marshal(e.Payload); err != nil {
				return err
			}
		}

		_, err := tx.Exec(ctx, `INSERT INTO audit_events(id,fingerprint,seq,kind,ts,actor_key,payload)
VALUES($1,$2,$3,$4,$5,$6,$7)`, e.ID, e.Fingerprint, e.Seq, e.Kind, e.Timestamp, e.ActorKey, payload)
		if err != nil {
			return err
		}
	}

	return nil
}

func auditClause(c *datastore.AuditCriteria) (string, []interface{}) {
	where := `fingerprint = $1`
	args := []interface{}{c.Fingerprint}

	if len(c.Kinds) > 0 {
		kinds := make([]string, 0, len(c.Kinds))
		for _, k := range c.Kinds {
			kinds = append(kinds, string(k))
		}
		args = append(args, kinds)
		where += ` AND kind = ANY($` + itoa(len(args)) + `)`
	}

	if c.From != nil {
		args = append(args, *c.From)
		where += ` AND ts >= $` + itoa(len(args))
	}

	if c.To != nil {
		args = append(args, *c.To)
		where += ` AND ts <= $` + itoa(len(args))
	}

	if c.ActorKey != "" {
		args = append(args, c.ActorKey)
		where += ` AND actor_key = $` + itoa(len(args))
	}

	return where, args
}

func (r *sqlDBStore) ListAuditEvents(ctx context.Context, c *datastore.AuditCriteria) (*datastore.AuditEventList, error) {
	page := c.Page.Normalize()
	where, args := auditClause(c)

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM audit_events WHERE `+where, args...).Scan(&total); err != nil {
		return nil, classify(err, "error counting audit events")
	}

	args = append(args, page.Limit, page.Skip())
	rows, err := r.pool.Query(ctx, `SELECT id,fingerprint,seq,kind,ts,actor_key,payload FROM audit_events WHERE `+where+
		` ORDER BY seq ASC LIMIT $`+itoa(len(args)-1)+` OFFSET $`+itoa(len(args)), args...)
	if err != nil {
		return nil, classify(err, "error trying to find audit events")
	}
	defer rows.Close()

	out := &datastore.AuditEventList{
		Items:    []*datastore.AuditEvent{},
		PageInfo: datastore.NewPageInfo(page, total),
	}

	for rows.Next() {
		e := &datastore.AuditEvent{}
		var payload []byte
		if err := rows.Scan(&e.ID, &e.Fingerprint, &e.Seq, &e.Kind, &e.Timestamp, &e.ActorKey, &payload); err != nil {
			return nil, classify(err, "unable to decode audit event")
		}

		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, classify(err, "unable to decode audit payload")
			}
		}

		e.Timestamp = e.Timestamp.UTC()
		out.Items = append(out.Items, e)
	}

	if err := rows.Err(); err != nil {
		return nil, classify(err, "unable to read audit events")
	}

	return out, nil
}

func (r *sqlDBStore) VerificationStats(ctx context.Context, fingerprint string) (*datastore.VerificationStats, error) {
	if _, err := r.GetCredential(ctx, fingerprint); err != nil {
		return nil, err
	}

	var (
		count, distinct int
		last            *time.Time
	)

	err := r.pool.QueryRow(ctx, `SELECT count(*), count(DISTINCT NULLIF(actor_key, '')), max(ts)
FROM audit_events WHERE fingerprint = $1 AND kind = ANY($2)`,
		fingerprint, []string{string(datastore.Verified), string(datastore.VerificationFailed)}).
		Scan(&count, &distinct, &last)
	if err != nil {
		return nil, classify(err, "unable to aggregate verification events")
	}

	out := &datastore.VerificationStats{Count: count, DistinctVerifier: distinct}
	if last != nil {
		t := last.UTC()
		out.LastVerifiedAt = &t
	}

	return out, nil
}

func itoa(i int) string {
	return strconv.Itoa(i)
}

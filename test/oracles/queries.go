package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that must return no rows while the ledger is healthy.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_value_conservation",
			SQL: `WITH books AS (
                      SELECT (SELECT COALESCE(SUM(amount),0) FROM balances) AS balances,
                             (SELECT COALESCE(SUM(amount),0) FROM escrows WHERE status='created') AS custody,
                             (SELECT COALESCE(SUM(CASE kind WHEN 'deposit' THEN amount ELSE -amount END),0)
                                FROM funding_entries) AS funded)
                  SELECT * FROM books WHERE balances + custody <> funded`,
		},
		{
			Name: "O2_custody_matches_timeline",
			SQL: `WITH open_from_events AS (
                      SELECT COALESCE(SUM(CASE op WHEN 'create' THEN amount ELSE -amount END),0) AS total
                      FROM escrow_events)
                  SELECT o.total, (SELECT COALESCE(SUM(amount),0) FROM escrows WHERE status='created') AS custody
                  FROM open_from_events o
                  WHERE o.total <> (SELECT COALESCE(SUM(amount),0) FROM escrows WHERE status='created')`,
		},
		{
			Name: "O3_gapless_ids",
			SQL: `SELECT s.last_id, COUNT(e.id) AS escrows, MAX(e.id) AS max_id
                  FROM ledger_sequence s LEFT JOIN escrows e ON true
                  GROUP BY s.last_id
                  HAVING s.last_id <> COUNT(e.id) OR s.last_id <> COALESCE(MAX(e.id),0)`,
		},
		{
			Name: "O4_terminal_payee",
			SQL: `SELECT id, status, buyer, seller, beneficiary FROM escrows
                  WHERE (status='released' AND beneficiary IS DISTINCT FROM buyer)
                     OR (status='cancelled' AND beneficiary IS NULL)
                     OR (status<>'created' AND settled_by IS NULL)
                     OR (status='created' AND (beneficiary IS NOT NULL OR settled_by IS NOT NULL))`,
		},
		{
			Name: "O5_one_event_per_transition",
			SQL: `SELECT e.id, e.status, COUNT(ev.id) AS events,
                         MIN(ev.seq) AS first_seq, MAX(ev.seq) AS last_seq
                  FROM escrows e LEFT JOIN escrow_events ev ON ev.escrow_id = e.id
                  GROUP BY e.id, e.status
                  HAVING COUNT(ev.id) <> CASE WHEN e.status='created' THEN 1 ELSE 2 END
                      OR MIN(ev.seq) <> 1 OR MAX(ev.seq) <> COUNT(ev.id)
                      OR COUNT(*) FILTER (WHERE ev.seq = 1 AND ev.op <> 'create') > 0`,
		},
		{
			Name: "O6_outbox_drained",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O7_event_per_outbox_message",
			SQL: `SELECT (SELECT COUNT(*) FROM escrow_events) AS events,
                         (SELECT COUNT(*) FROM outbox WHERE topic <> 'escrow.set_arbitrator') AS messages
                  WHERE (SELECT COUNT(*) FROM escrow_events)
                     <> (SELECT COUNT(*) FROM outbox WHERE topic <> 'escrow.set_arbitrator')`,
		},
		{
			Name: "O8_append_only_guards",
			SQL: `SELECT name AS missing_trigger
                  FROM unnest(ARRAY['no_delete_escrows','no_delete_escrow_events','escrows_terminal_guard']) AS name
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = name)`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}

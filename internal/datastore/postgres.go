package datastore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/vigilsec/fleet/internal/ids"
)

// PostgresStore is the production Store. Client and flow ids are stored in
// their canonical string forms so rows stay greppable from psql.
type PostgresStore struct {
	db *sql.DB

	// Clock is injectable for lease tests against a real database.
	Clock func() time.Time
}

// NewPostgresStore connects and pings.
func NewPostgresStore(dbURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, &TransientError{Err: fmt.Errorf("failed to ping database: %w", err)}
	}
	return &PostgresStore{db: db, Clock: time.Now}, nil
}

var _ Store = (*PostgresStore)(nil)

// Close releases the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS clients (
		client_id        TEXT PRIMARY KEY,
		fingerprint      BYTEA NOT NULL,
		public_key_pem   BYTEA NOT NULL,
		first_seen       TIMESTAMPTZ NOT NULL,
		last_ping        TIMESTAMPTZ,
		last_clock       TIMESTAMPTZ,
		last_ip          TEXT NOT NULL DEFAULT '',
		last_foreman     TIMESTAMPTZ,
		labels           JSONB NOT NULL DEFAULT '[]',
		last_crash       JSONB,
		snapshot_version BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS client_snapshots (
		client_id TEXT NOT NULL REFERENCES clients(client_id),
		version   BIGINT NOT NULL,
		ts        TIMESTAMPTZ NOT NULL,
		knowledge BYTEA,
		startup   BYTEA,
		PRIMARY KEY (client_id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS client_keywords (
		keyword   TEXT NOT NULL,
		client_id TEXT NOT NULL REFERENCES clients(client_id),
		PRIMARY KEY (keyword, client_id)
	)`,
	`CREATE TABLE IF NOT EXISTS flows (
		client_id            TEXT NOT NULL REFERENCES clients(client_id),
		flow_id              TEXT NOT NULL,
		parent_flow_id       TEXT NOT NULL DEFAULT '',
		parent_hunt_id       TEXT NOT NULL DEFAULT '',
		parent_request_id    BIGINT NOT NULL DEFAULT 0,
		class                TEXT NOT NULL,
		creator              TEXT NOT NULL,
		created_at           TIMESTAMPTZ NOT NULL,
		updated_at           TIMESTAMPTZ NOT NULL,
		state                TEXT NOT NULL,
		error_message        TEXT NOT NULL DEFAULT '',
		backtrace            TEXT NOT NULL DEFAULT '',
		state_blob           BYTEA,
		next_request_id      BIGINT NOT NULL DEFAULT 1,
		next_to_process      BIGINT NOT NULL DEFAULT 1,
		outstanding_requests BIGINT NOT NULL DEFAULT 0,
		outstanding_children BIGINT NOT NULL DEFAULT 0,
		cpu_time_used        DOUBLE PRECISION NOT NULL DEFAULT 0,
		network_bytes_sent   BIGINT NOT NULL DEFAULT 0,
		cpu_limit_seconds    DOUBLE PRECISION NOT NULL DEFAULT 0,
		network_bytes_limit  BIGINT NOT NULL DEFAULT 0,
		pending_termination  TEXT NOT NULL DEFAULT '',
		processing_owner     TEXT NOT NULL DEFAULT '',
		processing_deadline  TIMESTAMPTZ,
		processing_count     BIGINT NOT NULL DEFAULT 0,
		num_results          BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (client_id, flow_id)
	)`,
	`CREATE INDEX IF NOT EXISTS flows_by_hunt ON flows (parent_hunt_id) WHERE parent_hunt_id <> ''`,
	`CREATE TABLE IF NOT EXISTS flow_requests (
		client_id          TEXT NOT NULL,
		flow_id            TEXT NOT NULL,
		request_id         BIGINT NOT NULL,
		action             TEXT NOT NULL DEFAULT '',
		args_type          TEXT NOT NULL DEFAULT '',
		args               BYTEA,
		next_state         TEXT NOT NULL DEFAULT '',
		child_flow_id      TEXT NOT NULL DEFAULT '',
		needs_processing   BOOLEAN NOT NULL DEFAULT FALSE,
		responses_expected BIGINT NOT NULL DEFAULT 0,
		created_at         TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (client_id, flow_id, request_id)
	)`,
	`CREATE TABLE IF NOT EXISTS flow_responses (
		client_id    TEXT NOT NULL,
		flow_id      TEXT NOT NULL,
		request_id   BIGINT NOT NULL,
		response_id  BIGINT NOT NULL,
		kind         TEXT NOT NULL,
		payload_type TEXT NOT NULL DEFAULT '',
		payload      BYTEA,
		ts           TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (client_id, flow_id, request_id, response_id)
	)`,
	`CREATE TABLE IF NOT EXISTS client_actions (
		client_id           TEXT NOT NULL REFERENCES clients(client_id),
		message_id          BIGSERIAL,
		flow_id             TEXT NOT NULL,
		request_id          BIGINT NOT NULL,
		session_id          TEXT NOT NULL,
		action              TEXT NOT NULL,
		args_type           TEXT NOT NULL DEFAULT '',
		args                BYTEA,
		cpu_limit           BIGINT NOT NULL DEFAULT 0,
		network_bytes_limit BIGINT NOT NULL DEFAULT 0,
		require_fastpoll    BOOLEAN NOT NULL DEFAULT FALSE,
		priority            INTEGER NOT NULL DEFAULT 0,
		lease_owner         TEXT NOT NULL DEFAULT '',
		lease_deadline      TIMESTAMPTZ,
		lease_count         BIGINT NOT NULL DEFAULT 0,
		created_at          TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (client_id, message_id)
	)`,
	`CREATE TABLE IF NOT EXISTS flow_processing (
		client_id      TEXT NOT NULL,
		flow_id        TEXT NOT NULL,
		write_time     TIMESTAMPTZ NOT NULL,
		delivery_time  TIMESTAMPTZ,
		lease_owner    TEXT NOT NULL DEFAULT '',
		lease_deadline TIMESTAMPTZ,
		PRIMARY KEY (client_id, flow_id)
	)`,
	`CREATE TABLE IF NOT EXISTS handler_requests (
		handler        TEXT NOT NULL,
		request_id     BIGSERIAL,
		client_id      TEXT NOT NULL,
		payload_type   TEXT NOT NULL DEFAULT '',
		payload        BYTEA,
		ts             TIMESTAMPTZ NOT NULL,
		lease_owner    TEXT NOT NULL DEFAULT '',
		lease_deadline TIMESTAMPTZ,
		PRIMARY KEY (handler, request_id)
	)`,
	`CREATE TABLE IF NOT EXISTS approvals (
		requestor   TEXT NOT NULL,
		approval_id TEXT NOT NULL,
		type        TEXT NOT NULL,
		subject_id  TEXT NOT NULL,
		reason      TEXT NOT NULL DEFAULT '',
		notified    JSONB NOT NULL DEFAULT '[]',
		email_cc    JSONB NOT NULL DEFAULT '[]',
		expiration  TIMESTAMPTZ NOT NULL,
		grants      JSONB NOT NULL DEFAULT '[]',
		created_at  TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (requestor, approval_id)
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		username  TEXT PRIMARY KEY,
		user_type TEXT NOT NULL,
		email     TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS hunts (
		hunt_id               TEXT PRIMARY KEY,
		creator               TEXT NOT NULL,
		description           TEXT NOT NULL DEFAULT '',
		created_at            TIMESTAMPTZ NOT NULL,
		started_at            TIMESTAMPTZ,
		flow_class            TEXT NOT NULL,
		flow_args_type        TEXT NOT NULL DEFAULT '',
		flow_args             BYTEA,
		client_rule           JSONB NOT NULL DEFAULT '{}',
		client_rate           DOUBLE PRECISION NOT NULL DEFAULT 0,
		client_limit          BIGINT NOT NULL DEFAULT 0,
		crash_limit           BIGINT NOT NULL DEFAULT 0,
		avg_cpu_limit         DOUBLE PRECISION NOT NULL DEFAULT 0,
		avg_network_limit     BIGINT NOT NULL DEFAULT 0,
		avg_results_limit     DOUBLE PRECISION NOT NULL DEFAULT 0,
		state                 TEXT NOT NULL,
		stop_reason           TEXT NOT NULL DEFAULT '',
		counters              JSONB NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE IF NOT EXISTS hunt_clients (
		hunt_id   TEXT NOT NULL REFERENCES hunts(hunt_id),
		client_id TEXT NOT NULL,
		PRIMARY KEY (hunt_id, client_id)
	)`,
	`CREATE TABLE IF NOT EXISTS blobs (
		blob_id BYTEA PRIMARY KEY,
		data    BYTEA NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS blob_refs (
		file_id BYTEA PRIMARY KEY,
		refs    JSONB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS signed_binaries (
		binary_type TEXT NOT NULL,
		path        TEXT NOT NULL,
		refs        JSONB NOT NULL,
		PRIMARY KEY (binary_type, path)
	)`,
}

// Migrate creates all tables. Idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// mapError translates driver failures into the store taxonomy.
func mapError(err error, notFound error, subject string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", subject, notFound)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%s: %w", subject, ErrDuplicateKey)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%s: %w", subject, notFound)
		case "40001", "40P01", "55P03": // serialization, deadlock, lock_not_available
			return &TransientError{Err: err}
		}
		if strings.HasPrefix(string(pqErr.Code), "08") { // connection errors
			return &TransientError{Err: err}
		}
	}
	return fmt.Errorf("%s: %w", subject, err)
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func fromNullTime(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time
}

// ---- Clients ----

func (s *PostgresStore) WriteClientMetadata(ctx context.Context, client *Client) error {
	labels, _ := json.Marshal(client.Labels)
	var crash []byte
	if client.LastCrash != nil {
		crash, _ = json.Marshal(client.LastCrash)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (client_id, fingerprint, public_key_pem, first_seen,
			last_ping, last_clock, last_ip, last_foreman, labels, last_crash, snapshot_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (client_id) DO UPDATE SET
			fingerprint = EXCLUDED.fingerprint,
			public_key_pem = EXCLUDED.public_key_pem,
			last_ip = EXCLUDED.last_ip`,
		client.ID.String(), client.Fingerprint, client.PublicKeyPEM, client.FirstSeen,
		nullTime(client.LastPing), nullTime(client.LastClock), client.LastIP,
		nullTime(client.LastForeman), labels, crash, client.SnapshotVersion)
	return mapError(err, ErrUnknownClient, "write client "+client.ID.String())
}

const clientColumns = `client_id, fingerprint, public_key_pem, first_seen,
	last_ping, last_clock, last_ip, last_foreman, labels, last_crash, snapshot_version`

func scanClient(row interface{ Scan(...any) error }) (*Client, error) {
	var (
		c                                      Client
		idStr                                  string
		lastPing, lastClock, lastForeman       sql.NullTime
		labels, crash                          []byte
	)
	if err := row.Scan(&idStr, &c.Fingerprint, &c.PublicKeyPEM, &c.FirstSeen,
		&lastPing, &lastClock, &c.LastIP, &lastForeman, &labels, &crash, &c.SnapshotVersion); err != nil {
		return nil, err
	}
	id, err := ids.ParseClientID(idStr)
	if err != nil {
		return nil, err
	}
	c.ID = id
	c.LastPing = fromNullTime(lastPing)
	c.LastClock = fromNullTime(lastClock)
	c.LastForeman = fromNullTime(lastForeman)
	if len(labels) > 0 {
		if err := json.Unmarshal(labels, &c.Labels); err != nil {
			return nil, err
		}
	}
	if len(crash) > 0 {
		c.LastCrash = &CrashRecord{}
		if err := json.Unmarshal(crash, c.LastCrash); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

func (s *PostgresStore) ReadClient(ctx context.Context, id ids.ClientID) (*Client, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+clientColumns+` FROM clients WHERE client_id = $1`, id.String())
	c, err := scanClient(row)
	if err != nil {
		return nil, mapError(err, ErrUnknownClient, "read client "+id.String())
	}
	return c, nil
}

func (s *PostgresStore) MultiReadClient(ctx context.Context, idList []ids.ClientID) (map[ids.ClientID]*Client, error) {
	strs := make([]string, len(idList))
	for i, id := range idList {
		strs[i] = id.String()
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+clientColumns+` FROM clients WHERE client_id = ANY($1)`, pq.Array(strs))
	if err != nil {
		return nil, mapError(err, ErrUnknownClient, "multi read clients")
	}
	defer rows.Close()
	out := make(map[ids.ClientID]*Client, len(idList))
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out[c.ID] = c
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListClients(ctx context.Context, offset, count int) ([]*Client, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+clientColumns+` FROM clients ORDER BY client_id OFFSET $1 LIMIT NULLIF($2, 0)`,
		offset, count)
	if err != nil {
		return nil, mapError(err, ErrUnknownClient, "list clients")
	}
	defer rows.Close()
	var out []*Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) execOneClient(ctx context.Context, id ids.ClientID, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return mapError(err, ErrUnknownClient, "update client "+id.String())
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("client %s: %w", id, ErrUnknownClient)
	}
	return nil
}

func (s *PostgresStore) UpdateClientPing(ctx context.Context, id ids.ClientID, lastPing, lastClock time.Time, lastIP string) error {
	return s.execOneClient(ctx, id,
		`UPDATE clients SET last_ping = $2, last_clock = $3, last_ip = $4 WHERE client_id = $1`,
		id.String(), lastPing, lastClock, lastIP)
}

func (s *PostgresStore) UpdateClientForemanTime(ctx context.Context, id ids.ClientID, t time.Time) error {
	return s.execOneClient(ctx, id,
		`UPDATE clients SET last_foreman = $2 WHERE client_id = $1`, id.String(), t)
}

func (s *PostgresStore) WriteClientCrash(ctx context.Context, id ids.ClientID, crash *CrashRecord) error {
	data, err := json.Marshal(crash)
	if err != nil {
		return err
	}
	return s.execOneClient(ctx, id,
		`UPDATE clients SET last_crash = $2 WHERE client_id = $1`, id.String(), data)
}

func (s *PostgresStore) AddClientLabels(ctx context.Context, id ids.ClientID, labels []Label) error {
	c, err := s.ReadClient(ctx, id)
	if err != nil {
		return err
	}
	for _, l := range labels {
		if !containsLabel(c.Labels, l) {
			c.Labels = append(c.Labels, l)
		}
	}
	data, _ := json.Marshal(c.Labels)
	return s.execOneClient(ctx, id,
		`UPDATE clients SET labels = $2 WHERE client_id = $1`, id.String(), data)
}

func (s *PostgresStore) RemoveClientLabels(ctx context.Context, id ids.ClientID, labels []Label) error {
	c, err := s.ReadClient(ctx, id)
	if err != nil {
		return err
	}
	kept := c.Labels[:0]
	for _, have := range c.Labels {
		if !containsLabel(labels, have) {
			kept = append(kept, have)
		}
	}
	data, _ := json.Marshal(kept)
	return s.execOneClient(ctx, id,
		`UPDATE clients SET labels = $2 WHERE client_id = $1`, id.String(), data)
}

func (s *PostgresStore) WriteClientSnapshot(ctx context.Context, snap *ClientSnapshot) (uint64, error) {
	ts := snap.Timestamp
	if ts.IsZero() {
		ts = s.Clock()
	}
	var version uint64
	err := s.db.QueryRowContext(ctx, `
		UPDATE clients SET snapshot_version = snapshot_version + 1
		WHERE client_id = $1 RETURNING snapshot_version`,
		snap.ClientID.String()).Scan(&version)
	if err != nil {
		return 0, mapError(err, ErrUnknownClient, "snapshot client "+snap.ClientID.String())
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO client_snapshots (client_id, version, ts, knowledge, startup)
		VALUES ($1, $2, $3, $4, $5)`,
		snap.ClientID.String(), version, ts, snap.Knowledge, snap.Startup)
	if err != nil {
		return 0, mapError(err, ErrUnknownClient, "snapshot client "+snap.ClientID.String())
	}
	return version, nil
}

func (s *PostgresStore) ReadClientSnapshot(ctx context.Context, id ids.ClientID) (*ClientSnapshot, error) {
	snap := &ClientSnapshot{ClientID: id}
	err := s.db.QueryRowContext(ctx, `
		SELECT version, ts, knowledge, startup FROM client_snapshots
		WHERE client_id = $1 ORDER BY version DESC LIMIT 1`,
		id.String()).Scan(&snap.Version, &snap.Timestamp, &snap.Knowledge, &snap.Startup)
	if errors.Is(err, sql.ErrNoRows) {
		// Distinguish "no snapshot yet" from "no such client".
		if _, err := s.ReadClient(ctx, id); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err, ErrUnknownClient, "read snapshot "+id.String())
	}
	return snap, nil
}

func (s *PostgresStore) AddClientKeywords(ctx context.Context, id ids.ClientID, keywords []string) error {
	for _, kw := range keywords {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO client_keywords (keyword, client_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`,
			strings.ToLower(kw), id.String())
		if err != nil {
			return mapError(err, ErrUnknownClient, "add keywords "+id.String())
		}
	}
	return nil
}

func (s *PostgresStore) ListClientsForKeywords(ctx context.Context, keywords []string) ([]ids.ClientID, error) {
	lower := make([]string, len(keywords))
	for i, kw := range keywords {
		lower[i] = strings.ToLower(kw)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_id FROM client_keywords WHERE keyword = ANY($1)
		GROUP BY client_id HAVING COUNT(DISTINCT keyword) = $2
		ORDER BY client_id`,
		pq.Array(lower), len(lower))
	if err != nil {
		return nil, mapError(err, ErrUnknownClient, "keyword search")
	}
	defer rows.Close()
	var out []ids.ClientID
	for rows.Next() {
		var str string
		if err := rows.Scan(&str); err != nil {
			return nil, err
		}
		id, err := ids.ParseClientID(str)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ---- Flows ----

const flowColumns = `client_id, flow_id, parent_flow_id, parent_hunt_id, parent_request_id,
	class, creator, created_at, updated_at, state, error_message, backtrace, state_blob,
	next_request_id, next_to_process, outstanding_requests, outstanding_children,
	cpu_time_used, network_bytes_sent, cpu_limit_seconds, network_bytes_limit,
	pending_termination, processing_owner, processing_deadline, processing_count, num_results`

func flowIDString(id ids.FlowID) string {
	if id == 0 {
		return ""
	}
	return id.String()
}

func parseOptionalFlowID(str string) (ids.FlowID, error) {
	if str == "" {
		return 0, nil
	}
	return ids.ParseFlowID(str)
}

func scanFlow(row interface{ Scan(...any) error }) (*Flow, error) {
	var (
		f                                Flow
		clientStr, flowStr               string
		parentFlowStr, parentHuntStr     string
		deadline                         sql.NullTime
	)
	err := row.Scan(&clientStr, &flowStr, &parentFlowStr, &parentHuntStr, &f.ParentRequestID,
		&f.Class, &f.Creator, &f.CreatedAt, &f.UpdatedAt, &f.State, &f.ErrorMessage,
		&f.Backtrace, &f.StateBlob, &f.NextRequestID, &f.NextRequestToProcess,
		&f.OutstandingRequests, &f.OutstandingChildren, &f.CPUTimeUsed, &f.NetworkBytesSent,
		&f.CPULimitSeconds, &f.NetworkBytesLimit, &f.PendingTermination,
		&f.ProcessingOwner, &deadline, &f.ProcessingCount, &f.NumResults)
	if err != nil {
		return nil, err
	}
	if f.ClientID, err = ids.ParseClientID(clientStr); err != nil {
		return nil, err
	}
	if f.FlowID, err = ids.ParseFlowID(flowStr); err != nil {
		return nil, err
	}
	if f.ParentFlowID, err = parseOptionalFlowID(parentFlowStr); err != nil {
		return nil, err
	}
	parentHunt, err := parseOptionalFlowID(parentHuntStr)
	if err != nil {
		return nil, err
	}
	f.ParentHuntID = ids.HuntID(parentHunt)
	f.ProcessingDeadline = fromNullTime(deadline)
	return &f, nil
}

func (s *PostgresStore) WriteFlowObject(ctx context.Context, flow *Flow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flows (`+flowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)`,
		flow.ClientID.String(), flow.FlowID.String(),
		flowIDString(flow.ParentFlowID), flowIDString(ids.FlowID(flow.ParentHuntID)),
		flow.ParentRequestID, flow.Class, flow.Creator, flow.CreatedAt, flow.UpdatedAt,
		flow.State, flow.ErrorMessage, flow.Backtrace, flow.StateBlob,
		flow.NextRequestID, flow.NextRequestToProcess,
		flow.OutstandingRequests, flow.OutstandingChildren,
		flow.CPUTimeUsed, flow.NetworkBytesSent, flow.CPULimitSeconds, flow.NetworkBytesLimit,
		flow.PendingTermination, flow.ProcessingOwner, nullTime(flow.ProcessingDeadline),
		flow.ProcessingCount, flow.NumResults)
	return mapError(err, ErrUnknownClient, fmt.Sprintf("write flow %s/%s", flow.ClientID, flow.FlowID))
}

func (s *PostgresStore) ReadFlowObject(ctx context.Context, client ids.ClientID, flow ids.FlowID) (*Flow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+flowColumns+` FROM flows WHERE client_id = $1 AND flow_id = $2`,
		client.String(), flow.String())
	f, err := scanFlow(row)
	if err != nil {
		return nil, mapError(err, ErrUnknownFlow, fmt.Sprintf("read flow %s/%s", client, flow))
	}
	return f, nil
}

func (s *PostgresStore) ListFlowObjects(ctx context.Context, client ids.ClientID, offset, count int) ([]*Flow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+flowColumns+` FROM flows WHERE client_id = $1
		 ORDER BY created_at OFFSET $2 LIMIT NULLIF($3, 0)`,
		client.String(), offset, count)
	if err != nil {
		return nil, mapError(err, ErrUnknownFlow, "list flows "+client.String())
	}
	defer rows.Close()
	return collectFlows(rows)
}

func collectFlows(rows *sql.Rows) ([]*Flow, error) {
	var out []*Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateFlow(ctx context.Context, flow *Flow, owner string) error {
	query := `
		UPDATE flows SET
			state = $3, error_message = $4, backtrace = $5, state_blob = $6,
			next_request_id = $7, next_to_process = $8,
			outstanding_requests = $9, outstanding_children = $10,
			cpu_time_used = $11, network_bytes_sent = $12,
			pending_termination = $13, num_results = $14, updated_at = $15
		WHERE client_id = $1 AND flow_id = $2`
	args := []any{
		flow.ClientID.String(), flow.FlowID.String(),
		flow.State, flow.ErrorMessage, flow.Backtrace, flow.StateBlob,
		flow.NextRequestID, flow.NextRequestToProcess,
		flow.OutstandingRequests, flow.OutstandingChildren,
		flow.CPUTimeUsed, flow.NetworkBytesSent,
		flow.PendingTermination, flow.NumResults, s.Clock(),
	}
	if owner != "" {
		query += ` AND processing_owner = $16`
		args = append(args, owner)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return mapError(err, ErrUnknownFlow, fmt.Sprintf("update flow %s/%s", flow.ClientID, flow.FlowID))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if owner != "" {
			return fmt.Errorf("flow %s/%s: %w", flow.ClientID, flow.FlowID, ErrLeaseConflict)
		}
		return fmt.Errorf("flow %s/%s: %w", flow.ClientID, flow.FlowID, ErrUnknownFlow)
	}
	return nil
}

func (s *PostgresStore) SetFlowPendingTermination(ctx context.Context, client ids.ClientID, flow ids.FlowID, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE flows SET pending_termination = $3 WHERE client_id = $1 AND flow_id = $2`,
		client.String(), flow.String(), reason)
	if err != nil {
		return mapError(err, ErrUnknownFlow, fmt.Sprintf("terminate flow %s/%s", client, flow))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("flow %s/%s: %w", client, flow, ErrUnknownFlow)
	}
	return nil
}

func (s *PostgresStore) LeaseFlowForProcessing(ctx context.Context, client ids.ClientID, flow ids.FlowID, owner string, duration time.Duration) (*Flow, error) {
	now := s.Clock()
	row := s.db.QueryRowContext(ctx, `
		UPDATE flows SET processing_owner = $3, processing_deadline = $4,
			processing_count = processing_count + 1
		WHERE client_id = $1 AND flow_id = $2
		  AND (processing_owner = '' OR processing_owner = $3
			OR processing_deadline IS NULL OR processing_deadline <= $5)
		RETURNING `+flowColumns,
		client.String(), flow.String(), owner, now.Add(duration), now)
	f, err := scanFlow(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Row exists but is leased, or does not exist at all.
		if _, rerr := s.ReadFlowObject(ctx, client, flow); rerr != nil {
			return nil, rerr
		}
		return nil, fmt.Errorf("flow %s/%s: %w", client, flow, ErrLeaseConflict)
	}
	if err != nil {
		return nil, mapError(err, ErrUnknownFlow, fmt.Sprintf("lease flow %s/%s", client, flow))
	}
	return f, nil
}

func (s *PostgresStore) ReleaseProcessedFlow(ctx context.Context, flow *Flow, owner string) error {
	if err := s.UpdateFlow(ctx, flow, owner); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE flows SET processing_owner = '', processing_deadline = NULL
		WHERE client_id = $1 AND flow_id = $2 AND processing_owner = $3`,
		flow.ClientID.String(), flow.FlowID.String(), owner)
	return mapError(err, ErrUnknownFlow, fmt.Sprintf("release flow %s/%s", flow.ClientID, flow.FlowID))
}

// ---- Flow requests and responses ----

func (s *PostgresStore) WriteFlowRequests(ctx context.Context, requests []*FlowRequest) error {
	for _, req := range requests {
		created := req.CreatedAt
		if created.IsZero() {
			created = s.Clock()
		}
		var exists bool
		err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM flows WHERE client_id = $1 AND flow_id = $2)`,
			req.ClientID.String(), req.FlowID.String()).Scan(&exists)
		if err != nil {
			return mapError(err, ErrUnknownFlow, "write flow requests")
		}
		if !exists {
			return fmt.Errorf("flow %s/%s: %w", req.ClientID, req.FlowID, ErrUnknownFlow)
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO flow_requests (client_id, flow_id, request_id, action, args_type,
				args, next_state, child_flow_id, needs_processing, responses_expected, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (client_id, flow_id, request_id) DO NOTHING`,
			req.ClientID.String(), req.FlowID.String(), req.RequestID,
			req.Action, req.ArgsType, req.Args, req.NextState, flowIDString(req.ChildFlowID),
			req.NeedsProcessing, req.ResponsesExpected, created)
		if err != nil {
			return mapError(err, ErrUnknownFlow, "write flow requests")
		}
	}
	return nil
}

func (s *PostgresStore) WriteFlowResponses(ctx context.Context, responses []*FlowResponse) error {
	for _, resp := range responses {
		ts := resp.Timestamp
		if ts.IsZero() {
			ts = s.Clock()
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO flow_responses (client_id, flow_id, request_id, response_id,
				kind, payload_type, payload, ts)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (client_id, flow_id, request_id, response_id) DO NOTHING`,
			resp.ClientID.String(), resp.FlowID.String(), resp.RequestID, resp.ResponseID,
			resp.Kind, resp.PayloadType, resp.Payload, ts)
		if err != nil {
			return mapError(err, ErrUnknownFlow, "write flow responses")
		}
		if resp.Kind == ResponseStatus {
			_, err = s.db.ExecContext(ctx, `
				UPDATE flow_requests SET responses_expected = $4, needs_processing = TRUE
				WHERE client_id = $1 AND flow_id = $2 AND request_id = $3`,
				resp.ClientID.String(), resp.FlowID.String(), resp.RequestID, resp.ResponseID)
			if err != nil {
				return mapError(err, ErrUnknownFlow, "mark request ready")
			}
		}
	}
	return nil
}

func (s *PostgresStore) DeleteFlowRequests(ctx context.Context, client ids.ClientID, flow ids.FlowID, requestIDs []uint64) error {
	intIDs := make([]int64, len(requestIDs))
	for i, id := range requestIDs {
		intIDs[i] = int64(id)
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM flow_requests WHERE client_id = $1 AND flow_id = $2 AND request_id = ANY($3)`,
		client.String(), flow.String(), pq.Array(intIDs))
	if err != nil {
		return mapError(err, ErrUnknownFlow, "delete flow requests")
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM flow_responses WHERE client_id = $1 AND flow_id = $2 AND request_id = ANY($3)`,
		client.String(), flow.String(), pq.Array(intIDs))
	return mapError(err, ErrUnknownFlow, "delete flow responses")
}

func (s *PostgresStore) readRequests(ctx context.Context, client ids.ClientID, flow ids.FlowID, cursor uint64, onlyReady bool) ([]*RequestAndResponses, error) {
	query := `
		SELECT client_id, flow_id, request_id, action, args_type, args,
			next_state, child_flow_id, needs_processing, responses_expected, created_at
		FROM flow_requests
		WHERE client_id = $1 AND flow_id = $2 AND request_id >= $3`
	if onlyReady {
		query += ` AND needs_processing`
	}
	query += ` ORDER BY request_id`
	rows, err := s.db.QueryContext(ctx, query, client.String(), flow.String(), cursor)
	if err != nil {
		return nil, mapError(err, ErrUnknownFlow, "read flow requests")
	}
	defer rows.Close()

	var out []*RequestAndResponses
	byID := map[uint64]*RequestAndResponses{}
	for rows.Next() {
		var clientStr, flowStr, childStr string
		r := &FlowRequest{}
		if err := rows.Scan(&clientStr, &flowStr, &r.RequestID, &r.Action, &r.ArgsType,
			&r.Args, &r.NextState, &childStr, &r.NeedsProcessing, &r.ResponsesExpected, &r.CreatedAt); err != nil {
			return nil, err
		}
		if r.ChildFlowID, err = parseOptionalFlowID(childStr); err != nil {
			return nil, err
		}
		r.ClientID, r.FlowID = client, flow
		rr := &RequestAndResponses{Request: r}
		out = append(out, rr)
		byID[r.RequestID] = rr
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	respRows, err := s.db.QueryContext(ctx, `
		SELECT request_id, response_id, kind, payload_type, payload, ts
		FROM flow_responses
		WHERE client_id = $1 AND flow_id = $2 AND request_id >= $3
		ORDER BY request_id, response_id`,
		client.String(), flow.String(), cursor)
	if err != nil {
		return nil, mapError(err, ErrUnknownFlow, "read flow responses")
	}
	defer respRows.Close()
	for respRows.Next() {
		r := &FlowResponse{ClientID: client, FlowID: flow}
		if err := respRows.Scan(&r.RequestID, &r.ResponseID, &r.Kind,
			&r.PayloadType, &r.Payload, &r.Timestamp); err != nil {
			return nil, err
		}
		if rr, ok := byID[r.RequestID]; ok {
			rr.Responses = append(rr.Responses, r)
		}
	}
	return out, respRows.Err()
}

func (s *PostgresStore) ReadAllFlowRequestsAndResponses(ctx context.Context, client ids.ClientID, flow ids.FlowID) ([]*RequestAndResponses, error) {
	return s.readRequests(ctx, client, flow, 0, false)
}

func (s *PostgresStore) ReadFlowRequestsReadyForProcessing(ctx context.Context, client ids.ClientID, flow ids.FlowID, cursor uint64) ([]*RequestAndResponses, error) {
	return s.readRequests(ctx, client, flow, cursor, true)
}

func (s *PostgresStore) ListFlowResults(ctx context.Context, client ids.ClientID, flow ids.FlowID, offset, count int, payloadType string) ([]*FlowResponse, error) {
	if _, err := s.ReadFlowObject(ctx, client, flow); err != nil {
		return nil, err
	}
	query := `
		SELECT request_id, response_id, kind, payload_type, payload, ts
		FROM flow_responses
		WHERE client_id = $1 AND flow_id = $2 AND request_id = 0 AND kind = 'MESSAGE'`
	args := []any{client.String(), flow.String()}
	if payloadType != "" {
		query += ` AND payload_type = $3`
		args = append(args, payloadType)
	}
	query += fmt.Sprintf(` ORDER BY request_id, response_id OFFSET $%d LIMIT NULLIF($%d, 0)`,
		len(args)+1, len(args)+2)
	args = append(args, offset, count)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, ErrUnknownFlow, "list flow results")
	}
	defer rows.Close()
	var out []*FlowResponse
	for rows.Next() {
		r := &FlowResponse{ClientID: client, FlowID: flow}
		if err := rows.Scan(&r.RequestID, &r.ResponseID, &r.Kind,
			&r.PayloadType, &r.Payload, &r.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---- Outbound client action queue ----

func (s *PostgresStore) WriteClientActionRequests(ctx context.Context, requests []*ClientActionRequest) error {
	for _, req := range requests {
		created := req.CreatedAt
		if created.IsZero() {
			created = s.Clock()
		}
		err := s.db.QueryRowContext(ctx, `
			INSERT INTO client_actions (client_id, flow_id, request_id, session_id,
				action, args_type, args, cpu_limit, network_bytes_limit,
				require_fastpoll, priority, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			RETURNING message_id`,
			req.ClientID.String(), req.FlowID.String(), req.RequestID,
			string(req.SessionID), req.Action, req.ArgsType, req.Args,
			req.CPULimit, req.NetworkBytesLimit, req.RequireFastpoll, req.Priority,
			created).Scan(&req.MessageID)
		if err != nil {
			return mapError(err, ErrUnknownClient, "write client actions")
		}
	}
	return nil
}

func scanAction(rows *sql.Rows, client ids.ClientID) (*ClientActionRequest, error) {
	var (
		r        ClientActionRequest
		flowStr  string
		sessStr  string
		deadline sql.NullTime
	)
	err := rows.Scan(&r.MessageID, &flowStr, &r.RequestID, &sessStr, &r.Action,
		&r.ArgsType, &r.Args, &r.CPULimit, &r.NetworkBytesLimit, &r.RequireFastpoll,
		&r.Priority, &r.LeaseOwner, &deadline, &r.LeaseCount, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	if r.FlowID, err = parseOptionalFlowID(flowStr); err != nil {
		return nil, err
	}
	r.ClientID = client
	r.SessionID = ids.SessionID(sessStr)
	r.LeaseDeadline = fromNullTime(deadline)
	return &r, nil
}

const actionColumns = `message_id, flow_id, request_id, session_id, action, args_type,
	args, cpu_limit, network_bytes_limit, require_fastpoll, priority,
	lease_owner, lease_deadline, lease_count, created_at`

func (s *PostgresStore) LeaseClientActionRequests(ctx context.Context, client ids.ClientID, owner string, duration time.Duration, limit int) ([]*ClientActionRequest, error) {
	now := s.Clock()
	rows, err := s.db.QueryContext(ctx, `
		UPDATE client_actions SET lease_owner = $2, lease_deadline = $3,
			lease_count = lease_count + 1
		WHERE client_id = $1 AND message_id IN (
			SELECT message_id FROM client_actions
			WHERE client_id = $1 AND (lease_deadline IS NULL OR lease_deadline <= $4)
			ORDER BY priority DESC, message_id
			LIMIT $5
			FOR UPDATE SKIP LOCKED)
		RETURNING `+actionColumns,
		client.String(), owner, now.Add(duration), now, limit)
	if err != nil {
		return nil, mapError(err, ErrUnknownClient, "lease client actions")
	}
	defer rows.Close()
	var out []*ClientActionRequest
	for rows.Next() {
		r, err := scanAction(rows, client)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteClientActionRequest(ctx context.Context, client ids.ClientID, flow ids.FlowID, requestID uint64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM client_actions WHERE client_id = $1 AND flow_id = $2 AND request_id = $3`,
		client.String(), flow.String(), requestID)
	return mapError(err, ErrUnknownClient, "delete client action")
}

func (s *PostgresStore) ReadAllClientActionRequests(ctx context.Context, client ids.ClientID) ([]*ClientActionRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+actionColumns+` FROM client_actions WHERE client_id = $1 ORDER BY message_id`,
		client.String())
	if err != nil {
		return nil, mapError(err, ErrUnknownClient, "read client actions")
	}
	defer rows.Close()
	var out []*ClientActionRequest
	for rows.Next() {
		r, err := scanAction(rows, client)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---- Flow processing queue ----

func (s *PostgresStore) WriteFlowProcessingRequests(ctx context.Context, requests []*FlowProcessingRequest) error {
	for _, req := range requests {
		write := req.WriteTime
		if write.IsZero() {
			write = s.Clock()
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO flow_processing (client_id, flow_id, write_time, delivery_time)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (client_id, flow_id) DO UPDATE SET
				write_time = EXCLUDED.write_time,
				delivery_time = LEAST(flow_processing.delivery_time, EXCLUDED.delivery_time)
			WHERE flow_processing.lease_owner = ''`,
			req.ClientID.String(), req.FlowID.String(), write, nullTime(req.DeliveryTime))
		if err != nil {
			return mapError(err, ErrUnknownFlow, "write processing requests")
		}
	}
	return nil
}

func (s *PostgresStore) LeaseFlowProcessingRequests(ctx context.Context, owner string, duration time.Duration, limit int) ([]*FlowProcessingRequest, error) {
	now := s.Clock()
	rows, err := s.db.QueryContext(ctx, `
		UPDATE flow_processing SET lease_owner = $1, lease_deadline = $2
		WHERE (client_id, flow_id) IN (
			SELECT client_id, flow_id FROM flow_processing
			WHERE (delivery_time IS NULL OR delivery_time <= $3)
			  AND (lease_deadline IS NULL OR lease_deadline <= $3)
			ORDER BY write_time
			LIMIT $4
			FOR UPDATE SKIP LOCKED)
		RETURNING client_id, flow_id, write_time, delivery_time, lease_owner, lease_deadline`,
		owner, now.Add(duration), now, limit)
	if err != nil {
		return nil, mapError(err, ErrUnknownFlow, "lease processing requests")
	}
	defer rows.Close()
	var out []*FlowProcessingRequest
	for rows.Next() {
		var (
			r                  FlowProcessingRequest
			clientStr, flowStr string
			delivery, deadline sql.NullTime
		)
		if err := rows.Scan(&clientStr, &flowStr, &r.WriteTime, &delivery, &r.LeaseOwner, &deadline); err != nil {
			return nil, err
		}
		if r.ClientID, err = ids.ParseClientID(clientStr); err != nil {
			return nil, err
		}
		if r.FlowID, err = ids.ParseFlowID(flowStr); err != nil {
			return nil, err
		}
		r.DeliveryTime = fromNullTime(delivery)
		r.LeaseDeadline = fromNullTime(deadline)
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AckFlowProcessingRequest(ctx context.Context, req *FlowProcessingRequest, owner string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM flow_processing
		WHERE client_id = $1 AND flow_id = $2 AND lease_owner = $3 AND write_time = $4`,
		req.ClientID.String(), req.FlowID.String(), owner, req.WriteTime)
	if err != nil {
		return mapError(err, ErrUnknownFlow, "ack processing request")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var holder string
		err := s.db.QueryRowContext(ctx,
			`SELECT lease_owner FROM flow_processing WHERE client_id = $1 AND flow_id = $2`,
			req.ClientID.String(), req.FlowID.String()).Scan(&holder)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err == nil && holder != owner {
			return fmt.Errorf("processing request %s/%s owned by %q not %q: %w",
				req.ClientID, req.FlowID, holder, owner, ErrLeaseConflict)
		}
	}
	return nil
}

// ---- Message handler queue ----

func (s *PostgresStore) WriteMessageHandlerRequests(ctx context.Context, requests []*MessageHandlerRequest) error {
	for _, req := range requests {
		ts := req.Timestamp
		if ts.IsZero() {
			ts = s.Clock()
		}
		err := s.db.QueryRowContext(ctx, `
			INSERT INTO handler_requests (handler, client_id, payload_type, payload, ts)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING request_id`,
			req.Handler, req.ClientID.String(), req.PayloadType, req.Payload, ts).
			Scan(&req.RequestID)
		if err != nil {
			return mapError(err, ErrUnknownClient, "write handler requests")
		}
	}
	return nil
}

func (s *PostgresStore) LeaseMessageHandlerRequests(ctx context.Context, owner string, duration time.Duration, limit int) ([]*MessageHandlerRequest, error) {
	now := s.Clock()
	rows, err := s.db.QueryContext(ctx, `
		UPDATE handler_requests SET lease_owner = $1, lease_deadline = $2
		WHERE (handler, request_id) IN (
			SELECT handler, request_id FROM handler_requests
			WHERE lease_deadline IS NULL OR lease_deadline <= $3
			ORDER BY request_id
			LIMIT $4
			FOR UPDATE SKIP LOCKED)
		RETURNING handler, request_id, client_id, payload_type, payload, ts, lease_owner, lease_deadline`,
		owner, now.Add(duration), now, limit)
	if err != nil {
		return nil, mapError(err, ErrUnknownClient, "lease handler requests")
	}
	defer rows.Close()
	var out []*MessageHandlerRequest
	for rows.Next() {
		var (
			r         MessageHandlerRequest
			clientStr string
			deadline  sql.NullTime
		)
		if err := rows.Scan(&r.Handler, &r.RequestID, &clientStr,
			&r.PayloadType, &r.Payload, &r.Timestamp, &r.LeaseOwner, &deadline); err != nil {
			return nil, err
		}
		if r.ClientID, err = ids.ParseClientID(clientStr); err != nil {
			return nil, err
		}
		r.LeaseDeadline = fromNullTime(deadline)
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteMessageHandlerRequest(ctx context.Context, req *MessageHandlerRequest, owner string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM handler_requests WHERE handler = $1 AND request_id = $2 AND lease_owner = $3`,
		req.Handler, req.RequestID, owner)
	if err != nil {
		return mapError(err, ErrUnknownClient, "delete handler request")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var holder string
		err := s.db.QueryRowContext(ctx,
			`SELECT lease_owner FROM handler_requests WHERE handler = $1 AND request_id = $2`,
			req.Handler, req.RequestID).Scan(&holder)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err == nil {
			return fmt.Errorf("handler request %s/%d owned by %q not %q: %w",
				req.Handler, req.RequestID, holder, owner, ErrLeaseConflict)
		}
	}
	return nil
}

// ---- Approvals and users ----

func (s *PostgresStore) WriteApprovalRequest(ctx context.Context, approval *Approval) error {
	created := approval.CreatedAt
	if created.IsZero() {
		created = s.Clock()
	}
	notified, _ := json.Marshal(approval.NotifiedUsers)
	cc, _ := json.Marshal(approval.EmailCC)
	grants, _ := json.Marshal(approval.Grants)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (requestor, approval_id, type, subject_id, reason,
			notified, email_cc, expiration, grants, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		approval.Requestor, approval.ApprovalID, approval.Type, approval.SubjectID,
		approval.Reason, notified, cc, approval.Expiration, grants, created)
	return mapError(err, ErrUnknownApproval, "write approval")
}

func scanApproval(row interface{ Scan(...any) error }) (*Approval, error) {
	var (
		a                    Approval
		notified, cc, grants []byte
	)
	if err := row.Scan(&a.Requestor, &a.ApprovalID, &a.Type, &a.SubjectID, &a.Reason,
		&notified, &cc, &a.Expiration, &grants, &a.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(notified, &a.NotifiedUsers); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(cc, &a.EmailCC); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(grants, &a.Grants); err != nil {
		return nil, err
	}
	return &a, nil
}

const approvalColumns = `requestor, approval_id, type, subject_id, reason,
	notified, email_cc, expiration, grants, created_at`

func (s *PostgresStore) ReadApprovalRequest(ctx context.Context, requestor, approvalID string) (*Approval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE requestor = $1 AND approval_id = $2`,
		requestor, approvalID)
	a, err := scanApproval(row)
	if err != nil {
		return nil, mapError(err, ErrUnknownApproval, fmt.Sprintf("read approval %s/%s", requestor, approvalID))
	}
	return a, nil
}

func (s *PostgresStore) ReadApprovalRequests(ctx context.Context, requestor string, typ ApprovalType, subjectID string, includeExpired bool) ([]*Approval, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE requestor = $1 AND type = $2`
	args := []any{requestor, typ}
	if subjectID != "" {
		args = append(args, subjectID)
		query += fmt.Sprintf(` AND subject_id = $%d`, len(args))
	}
	if !includeExpired {
		args = append(args, s.Clock())
		query += fmt.Sprintf(` AND expiration > $%d`, len(args))
	}
	query += ` ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, ErrUnknownApproval, "list approvals")
	}
	defer rows.Close()
	var out []*Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GrantApproval(ctx context.Context, requestor, approvalID string, grant Grant) error {
	a, err := s.ReadApprovalRequest(ctx, requestor, approvalID)
	if err != nil {
		return err
	}
	for _, g := range a.Grants {
		if g.Grantor == grant.Grantor {
			return nil
		}
	}
	a.Grants = append(a.Grants, grant)
	grants, _ := json.Marshal(a.Grants)
	_, err = s.db.ExecContext(ctx,
		`UPDATE approvals SET grants = $3 WHERE requestor = $1 AND approval_id = $2`,
		requestor, approvalID, grants)
	return mapError(err, ErrUnknownApproval, "grant approval")
}

func (s *PostgresStore) WriteUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, user_type, email) VALUES ($1, $2, $3)
		ON CONFLICT (username) DO UPDATE SET user_type = EXCLUDED.user_type, email = EXCLUDED.email`,
		user.Username, user.Type, user.Email)
	return mapError(err, ErrUnknownUser, "write user")
}

func (s *PostgresStore) ReadUser(ctx context.Context, username string) (*User, error) {
	u := &User{}
	err := s.db.QueryRowContext(ctx,
		`SELECT username, user_type, email FROM users WHERE username = $1`, username).
		Scan(&u.Username, &u.Type, &u.Email)
	if err != nil {
		return nil, mapError(err, ErrUnknownUser, "read user "+username)
	}
	return u, nil
}

// ---- Hunts ----

const huntColumns = `hunt_id, creator, description, created_at, started_at,
	flow_class, flow_args_type, flow_args, client_rule, client_rate, client_limit,
	crash_limit, avg_cpu_limit, avg_network_limit, avg_results_limit,
	state, stop_reason, counters`

func scanHunt(row interface{ Scan(...any) error }) (*Hunt, error) {
	var (
		h              Hunt
		idStr          string
		started        sql.NullTime
		rule, counters []byte
	)
	if err := row.Scan(&idStr, &h.Creator, &h.Description, &h.CreatedAt, &started,
		&h.FlowClass, &h.FlowArgsType, &h.FlowArgs, &rule, &h.ClientRate, &h.ClientLimit,
		&h.CrashLimit, &h.AvgCPUSecondsLimit, &h.AvgNetworkLimit, &h.AvgResultsLimit,
		&h.State, &h.StopReason, &counters); err != nil {
		return nil, err
	}
	flowID, err := ids.ParseFlowID(idStr)
	if err != nil {
		return nil, err
	}
	h.ID = ids.HuntID(flowID)
	h.StartedAt = fromNullTime(started)
	if err := json.Unmarshal(rule, &h.ClientRule); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(counters, &h.Counters); err != nil {
		return nil, err
	}
	return &h, nil
}

func (s *PostgresStore) writeHuntRow(ctx context.Context, hunt *Hunt, update bool) error {
	rule, _ := json.Marshal(hunt.ClientRule)
	counters, _ := json.Marshal(hunt.Counters)
	var err error
	if update {
		_, err = s.db.ExecContext(ctx, `
			UPDATE hunts SET started_at = $2, client_rate = $3, client_limit = $4,
				state = $5, stop_reason = $6, counters = $7
			WHERE hunt_id = $1`,
			ids.FlowID(hunt.ID).String(), nullTime(hunt.StartedAt), hunt.ClientRate,
			hunt.ClientLimit, hunt.State, hunt.StopReason, counters)
	} else {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO hunts (`+huntColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
			ids.FlowID(hunt.ID).String(), hunt.Creator, hunt.Description, hunt.CreatedAt,
			nullTime(hunt.StartedAt), hunt.FlowClass, hunt.FlowArgsType, hunt.FlowArgs,
			rule, hunt.ClientRate, hunt.ClientLimit, hunt.CrashLimit,
			hunt.AvgCPUSecondsLimit, hunt.AvgNetworkLimit, hunt.AvgResultsLimit,
			hunt.State, hunt.StopReason, counters)
	}
	return mapError(err, ErrUnknownHunt, "write hunt")
}

func (s *PostgresStore) WriteHuntObject(ctx context.Context, hunt *Hunt) error {
	if hunt.CreatedAt.IsZero() {
		hunt.CreatedAt = s.Clock()
	}
	return s.writeHuntRow(ctx, hunt, false)
}

func (s *PostgresStore) ReadHuntObject(ctx context.Context, id ids.HuntID) (*Hunt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+huntColumns+` FROM hunts WHERE hunt_id = $1`, ids.FlowID(id).String())
	h, err := scanHunt(row)
	if err != nil {
		return nil, mapError(err, ErrUnknownHunt, "read hunt "+ids.FlowID(id).String())
	}
	return h, nil
}

func (s *PostgresStore) ListHuntObjects(ctx context.Context, offset, count int) ([]*Hunt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+huntColumns+` FROM hunts ORDER BY created_at OFFSET $1 LIMIT NULLIF($2, 0)`,
		offset, count)
	if err != nil {
		return nil, mapError(err, ErrUnknownHunt, "list hunts")
	}
	defer rows.Close()
	var out []*Hunt
	for rows.Next() {
		h, err := scanHunt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateHuntObject(ctx context.Context, id ids.HuntID, update func(*Hunt) error) error {
	h, err := s.ReadHuntObject(ctx, id)
	if err != nil {
		return err
	}
	if err := update(h); err != nil {
		return err
	}
	return s.writeHuntRow(ctx, h, true)
}

func (s *PostgresStore) ReadHuntFlows(ctx context.Context, id ids.HuntID, offset, count int, filter HuntFlowFilter) ([]*Flow, error) {
	if _, err := s.ReadHuntObject(ctx, id); err != nil {
		return nil, err
	}
	query := `SELECT ` + flowColumns + ` FROM flows WHERE parent_hunt_id = $1`
	args := []any{ids.FlowID(id).String()}
	switch filter {
	case HuntFlowsSucceeded:
		query += ` AND state = 'FINISHED'`
	case HuntFlowsFailed:
		query += ` AND state = 'ERROR'`
	case HuntFlowsCrashed:
		query += ` AND state = 'CRASHED'`
	}
	query += ` ORDER BY created_at OFFSET $2 LIMIT NULLIF($3, 0)`
	args = append(args, offset, count)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, ErrUnknownHunt, "read hunt flows")
	}
	defer rows.Close()
	return collectFlows(rows)
}

func (s *PostgresStore) MarkHuntClient(ctx context.Context, id ids.HuntID, client ids.ClientID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO hunt_clients (hunt_id, client_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`,
		ids.FlowID(id).String(), client.String())
	if err != nil {
		return false, mapError(err, ErrUnknownHunt, "mark hunt client")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) ListStartedHunts(ctx context.Context) ([]*Hunt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+huntColumns+` FROM hunts WHERE state = 'STARTED' ORDER BY created_at`)
	if err != nil {
		return nil, mapError(err, ErrUnknownHunt, "list started hunts")
	}
	defer rows.Close()
	var out []*Hunt
	for rows.Next() {
		h, err := scanHunt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// ---- Blobs ----

func blobDigest(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

func (s *PostgresStore) WriteBlobs(ctx context.Context, blobs [][]byte) ([][]byte, error) {
	out := make([][]byte, len(blobs))
	for i, b := range blobs {
		id := blobDigest(b)
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO blobs (blob_id, data) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, id, b)
		if err != nil {
			return nil, mapError(err, ErrUnknownClient, "write blobs")
		}
		out[i] = id
	}
	return out, nil
}

func (s *PostgresStore) ReadBlobs(ctx context.Context, blobIDs [][]byte) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT blob_id, data FROM blobs WHERE blob_id = ANY($1)`, pq.ByteaArray(blobIDs))
	if err != nil {
		return nil, mapError(err, ErrUnknownClient, "read blobs")
	}
	defer rows.Close()
	out := make(map[string][]byte, len(blobIDs))
	for rows.Next() {
		var id, data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		out[hex.EncodeToString(id)] = data
	}
	return out, rows.Err()
}

func (s *PostgresStore) CheckBlobsExist(ctx context.Context, blobIDs [][]byte) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT blob_id FROM blobs WHERE blob_id = ANY($1)`, pq.ByteaArray(blobIDs))
	if err != nil {
		return nil, mapError(err, ErrUnknownClient, "check blobs")
	}
	defer rows.Close()
	found := make(map[string]bool, len(blobIDs))
	for rows.Next() {
		var id []byte
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		found[hex.EncodeToString(id)] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(blobIDs))
	for _, id := range blobIDs {
		key := hex.EncodeToString(id)
		out[key] = found[key]
	}
	return out, nil
}

func (s *PostgresStore) WriteBlobReferences(ctx context.Context, fileID []byte, refs []BlobRef) error {
	data, err := json.Marshal(refs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO blob_refs (file_id, refs) VALUES ($1, $2)
		ON CONFLICT (file_id) DO UPDATE SET refs = EXCLUDED.refs`,
		fileID, data)
	return mapError(err, ErrAtLeastOneUnknownPath, "write blob references")
}

func (s *PostgresStore) ReadBlobReferences(ctx context.Context, fileID []byte) ([]BlobRef, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT refs FROM blob_refs WHERE file_id = $1`, fileID).Scan(&data)
	if err != nil {
		return nil, mapError(err, ErrAtLeastOneUnknownPath, fmt.Sprintf("read blob references %x", fileID))
	}
	var refs []BlobRef
	if err := json.Unmarshal(data, &refs); err != nil {
		return nil, err
	}
	return refs, nil
}

// ---- Signed binaries ----

func (s *PostgresStore) WriteSignedBinaryReferences(ctx context.Context, id SignedBinaryID, refs []SignedBinaryRef) error {
	data, err := json.Marshal(refs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO signed_binaries (binary_type, path, refs) VALUES ($1, $2, $3)
		ON CONFLICT (binary_type, path) DO UPDATE SET refs = EXCLUDED.refs`,
		id.Type, id.Path, data)
	return mapError(err, ErrUnknownBinary, "write signed binary")
}

func (s *PostgresStore) ReadSignedBinaryReferences(ctx context.Context, id SignedBinaryID) ([]SignedBinaryRef, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT refs FROM signed_binaries WHERE binary_type = $1 AND path = $2`,
		id.Type, id.Path).Scan(&data)
	if err != nil {
		return nil, mapError(err, ErrUnknownBinary, fmt.Sprintf("read signed binary %s:%s", id.Type, id.Path))
	}
	var refs []SignedBinaryRef
	if err := json.Unmarshal(data, &refs); err != nil {
		return nil, err
	}
	return refs, nil
}

func (s *PostgresStore) ReadIDsForAllSignedBinaries(ctx context.Context) ([]SignedBinaryID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT binary_type, path FROM signed_binaries ORDER BY binary_type, path`)
	if err != nil {
		return nil, mapError(err, ErrUnknownBinary, "list signed binaries")
	}
	defer rows.Close()
	var out []SignedBinaryID
	for rows.Next() {
		var id SignedBinaryID
		if err := rows.Scan(&id.Type, &id.Path); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteSignedBinaryReferences(ctx context.Context, id SignedBinaryID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM signed_binaries WHERE binary_type = $1 AND path = $2`, id.Type, id.Path)
	return mapError(err, ErrUnknownBinary, "delete signed binary")
}

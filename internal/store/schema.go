package store

import "context"

// Schema bootstrap. Every statement is IF NOT EXISTS so restarts are safe;
// evolutions are additive column additions only.
var schemaStatements = []string{
	`CREATE SEQUENCE IF NOT EXISTS raw_file_id_seq START 1`,

	`CREATE TABLE IF NOT EXISTS raw_files (
		file_id       BIGINT PRIMARY KEY,
		path          VARCHAR NOT NULL,
		file_type     VARCHAR NOT NULL,
		migration_id  BIGINT,
		record_date   DATE,
		record_count  BIGINT NOT NULL DEFAULT 0,
		min_ts        TIMESTAMP,
		max_ts        TIMESTAMP,
		ingested      BOOLEAN NOT NULL DEFAULT false,
		ingested_at   TIMESTAMP
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_raw_files_path ON raw_files (path)`,

	`CREATE TABLE IF NOT EXISTS events_raw (
		event_id           VARCHAR,
		update_id          VARCHAR,
		contract_id        VARCHAR,
		template_id        VARCHAR,
		event_type         VARCHAR,
		effective_at       TIMESTAMP,
		recorded_at        TIMESTAMP,
		signatories        VARCHAR,
		observers          VARCHAR,
		acting_parties     VARCHAR,
		consuming          BOOLEAN,
		payload            VARCHAR,
		exercise_choice    VARCHAR,
		exercise_argument  VARCHAR,
		exercise_result    VARCHAR,
		_file_id           BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_raw_file ON events_raw (_file_id)`,
	`CREATE INDEX IF NOT EXISTS idx_events_raw_template ON events_raw (template_id)`,
	`CREATE INDEX IF NOT EXISTS idx_events_raw_recorded ON events_raw (recorded_at)`,

	`CREATE TABLE IF NOT EXISTS updates_raw (
		update_id    VARCHAR,
		effective_at TIMESTAMP,
		recorded_at  TIMESTAMP,
		payload      VARCHAR,
		_file_id     BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_updates_raw_file ON updates_raw (_file_id)`,

	`CREATE TABLE IF NOT EXISTS aggregation_state (
		agg_name     VARCHAR PRIMARY KEY,
		last_file_id BIGINT NOT NULL DEFAULT 0,
		updated_at   TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS agg_event_type_counts (
		event_type VARCHAR PRIMARY KEY,
		count      BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS agg_template_counts (
		template_name VARCHAR PRIMARY KEY,
		count         BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS agg_daily_counts (
		day   DATE PRIMARY KEY,
		count BIGINT NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS template_file_index (
		file_path      VARCHAR NOT NULL,
		template_name  VARCHAR NOT NULL,
		event_count    BIGINT NOT NULL,
		first_event_at TIMESTAMP,
		last_event_at  TIMESTAMP
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_tfi_file_template ON template_file_index (file_path, template_name)`,
	`CREATE INDEX IF NOT EXISTS idx_tfi_template ON template_file_index (template_name)`,

	`CREATE TABLE IF NOT EXISTS template_file_index_state (
		id                     INTEGER PRIMARY KEY,
		last_indexed_at        TIMESTAMP,
		total_files_indexed    BIGINT NOT NULL DEFAULT 0,
		total_templates_found  BIGINT NOT NULL DEFAULT 0,
		build_duration_seconds DOUBLE NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS vote_requests (
		event_id       VARCHAR PRIMARY KEY,
		stable_id      VARCHAR NOT NULL,
		contract_id    VARCHAR,
		proposal_id    VARCHAR NOT NULL,
		tracking_cid   VARCHAR,
		requester      VARCHAR,
		action_tag     VARCHAR,
		action_subject VARCHAR,
		semantic_key   VARCHAR,
		reason         VARCHAR,
		reason_url     VARCHAR,
		status         VARCHAR NOT NULL,
		is_closed      BOOLEAN NOT NULL DEFAULT false,
		is_human       BOOLEAN NOT NULL DEFAULT false,
		votes_json     VARCHAR,
		accept_count   BIGINT NOT NULL DEFAULT 0,
		reject_count   BIGINT NOT NULL DEFAULT 0,
		vote_before    TIMESTAMP,
		effective_at   TIMESTAMP,
		updated_at     TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_vote_requests_proposal ON vote_requests (proposal_id)`,
	`CREATE INDEX IF NOT EXISTS idx_vote_requests_semantic ON vote_requests (semantic_key)`,

	`CREATE TABLE IF NOT EXISTS vote_index_builds (
		build_id       VARCHAR PRIMARY KEY,
		started_at     TIMESTAMP NOT NULL,
		finished_at    TIMESTAMP,
		creates_seen   BIGINT NOT NULL DEFAULT 0,
		terminals_seen BIGINT NOT NULL DEFAULT 0,
		rows_written   BIGINT NOT NULL DEFAULT 0,
		success        BOOLEAN NOT NULL DEFAULT false,
		error          VARCHAR
	)`,

	`CREATE TABLE IF NOT EXISTS sv_intervals (
		contract_id       VARCHAR PRIMARY KEY,
		sv_party          VARCHAR NOT NULL,
		sv_name           VARCHAR,
		sv_reward_weight  BIGINT NOT NULL DEFAULT 0,
		sv_participant_id VARCHAR,
		dso               VARCHAR,
		reason            VARCHAR,
		active_from       TIMESTAMP NOT NULL,
		active_until      TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sv_intervals_party ON sv_intervals (sv_party)`,

	`CREATE TABLE IF NOT EXISTS dso_rules_intervals (
		contract_id  VARCHAR PRIMARY KEY,
		dso          VARCHAR,
		epoch        BIGINT,
		active_from  TIMESTAMP NOT NULL,
		active_until TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS reward_coupons (
		event_id          VARCHAR PRIMARY KEY,
		contract_id       VARCHAR,
		template_id       VARCHAR,
		effective_at      TIMESTAMP,
		round             BIGINT,
		coupon_type       VARCHAR NOT NULL,
		beneficiary       VARCHAR,
		weight            DOUBLE NOT NULL DEFAULT 0,
		cc_amount         DOUBLE NOT NULL DEFAULT 0,
		has_issuance_data BOOLEAN NOT NULL DEFAULT false
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reward_coupons_beneficiary ON reward_coupons (beneficiary)`,
	`CREATE INDEX IF NOT EXISTS idx_reward_coupons_round ON reward_coupons (round)`,
}

// Bootstrap creates all tables, sequences and indexes. Safe to run on every start.
func (s *Store) Bootstrap(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// NextFileID draws the next value from the monotonic file id sequence.
func (s *Store) NextFileID(ctx context.Context) (int64, error) {
	var raw any
	if err := s.db.QueryRowContext(ctx, `SELECT nextval('raw_file_id_seq')`).Scan(&raw); err != nil {
		return 0, err
	}
	return ToInt64(raw), nil
}

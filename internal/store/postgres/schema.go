package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS clients (
	public_key BYTEA PRIMARY KEY CHECK (octet_length(public_key) = 64),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS stored_messages (
	id BIGSERIAL PRIMARY KEY,
	kind SMALLINT NOT NULL,
	message_ts TIMESTAMPTZ NOT NULL,
	data BYTEA NOT NULL,
	task_id TEXT NOT NULL,
	subtask_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS stored_messages_subtask_idx ON stored_messages (subtask_id);

-- subtask_id is unique on its own, not only per requestor.
CREATE TABLE IF NOT EXISTS subtasks (
	subtask_id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	provider_key BYTEA NOT NULL REFERENCES clients (public_key),
	requestor_key BYTEA NOT NULL REFERENCES clients (public_key),
	state SMALLINT NOT NULL,
	next_deadline TIMESTAMPTZ NULL,
	computation_deadline TIMESTAMPTZ NOT NULL,
	result_package_size BIGINT NOT NULL,

	task_to_compute_id BIGINT NULL UNIQUE REFERENCES stored_messages (id),
	report_computed_task_id BIGINT NULL UNIQUE REFERENCES stored_messages (id),
	ack_report_computed_task_id BIGINT NULL UNIQUE REFERENCES stored_messages (id),
	reject_report_computed_task_id BIGINT NULL UNIQUE REFERENCES stored_messages (id),
	subtask_results_accepted_id BIGINT NULL UNIQUE REFERENCES stored_messages (id),
	subtask_results_rejected_id BIGINT NULL UNIQUE REFERENCES stored_messages (id),
	force_get_task_result_id BIGINT NULL UNIQUE REFERENCES stored_messages (id),

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	modified_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CHECK (provider_key <> requestor_key),
	CHECK (ack_report_computed_task_id IS NULL OR reject_report_computed_task_id IS NULL),
	CHECK ((state IN (1, 3, 5, 7, 8)) = (next_deadline IS NOT NULL))
);

CREATE INDEX IF NOT EXISTS subtasks_next_deadline_idx ON subtasks (next_deadline) WHERE next_deadline IS NOT NULL;
CREATE INDEX IF NOT EXISTS subtasks_state_idx ON subtasks (state, modified_at);

CREATE TABLE IF NOT EXISTS pending_responses (
	id BIGSERIAL PRIMARY KEY,
	response_type SMALLINT NOT NULL,
	client_key BYTEA NOT NULL REFERENCES clients (public_key),
	queue SMALLINT NOT NULL,
	delivered BOOLEAN NOT NULL DEFAULT false,
	subtask_id TEXT NULL REFERENCES subtasks (subtask_id),
	created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
);

CREATE INDEX IF NOT EXISTS pending_responses_undelivered_idx
	ON pending_responses (client_key, queue, created_at, id)
	WHERE NOT delivered;

CREATE TABLE IF NOT EXISTS payment_infos (
	pending_response_id BIGINT PRIMARY KEY REFERENCES pending_responses (id),
	payment_ts TIMESTAMPTZ NOT NULL,
	task_owner_key BYTEA NOT NULL,
	provider_eth_account BYTEA NOT NULL,
	amount_paid TEXT NOT NULL,
	amount_pending TEXT NOT NULL,
	recipient_type TEXT NOT NULL
);
`

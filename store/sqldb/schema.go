package sqldb

import "strings"

// schema is written once for both dialects. The tokens {serial}, {money},
// {pct}, {ts} and {json} are replaced per dialect in migrate.
//
// Money columns are TEXT on SQLite so decimal values round-trip exactly;
// the engine never does arithmetic in SQL.
const schema = `
-- Fee records: one per (student, session)
CREATE TABLE IF NOT EXISTS fee_records (
	id                    TEXT PRIMARY KEY,
	student_id            TEXT NOT NULL,
	class_id              TEXT NOT NULL DEFAULT '',
	session_year_id       TEXT NOT NULL,
	total_amount          {money} NOT NULL,
	paid_amount           {money} NOT NULL,
	tracking_enabled      BOOLEAN NOT NULL DEFAULT FALSE,
	has_waiver            BOOLEAN NOT NULL DEFAULT FALSE,
	waiver_percentage     {pct} NOT NULL,
	waiver_reason         TEXT,
	original_total_amount {money},
	created_at            {ts} NOT NULL,
	updated_at            {ts} NOT NULL,
	UNIQUE (student_id, session_year_id)
);

CREATE INDEX IF NOT EXISTS idx_fee_records_tracking
	ON fee_records(tracking_enabled);

-- Monthly obligations (append-only)
CREATE TABLE IF NOT EXISTS monthly_obligations (
	id                      TEXT PRIMARY KEY,
	fee_record_id           TEXT NOT NULL REFERENCES fee_records(id),
	academic_month          INTEGER NOT NULL CHECK (academic_month BETWEEN 1 AND 12),
	academic_year           INTEGER NOT NULL,
	monthly_amount          {money} NOT NULL,
	original_monthly_amount {money},
	paid_amount             {money} NOT NULL,
	due_date                {ts} NOT NULL,
	status                  TEXT NOT NULL,
	late_fee                {money} NOT NULL,
	discount_amount         {money} NOT NULL,
	overdue_at              {ts},
	created_at              {ts} NOT NULL,
	updated_at              {ts} NOT NULL,
	UNIQUE (fee_record_id, academic_month, academic_year)
);

-- Payments (append-only; reversed_by_payment_id is the only mutable column)
CREATE TABLE IF NOT EXISTS payments (
	seq                    {serial},
	id                     TEXT NOT NULL UNIQUE,
	fee_record_id          TEXT NOT NULL REFERENCES fee_records(id),
	amount                 {money} NOT NULL,
	method                 TEXT,
	paid_at                {ts} NOT NULL,
	transaction_ref        TEXT,
	idempotency_key        TEXT,
	is_reversal            BOOLEAN NOT NULL DEFAULT FALSE,
	reverses_payment_id    TEXT REFERENCES payments(id),
	reversed_by_payment_id TEXT,
	reversal_type          TEXT,
	reversal_reason_id     TEXT,
	reversal_details       TEXT,
	created_by             TEXT NOT NULL,
	created_at             {ts} NOT NULL,
	CHECK (
		(is_reversal AND reverses_payment_id IS NOT NULL AND reversal_reason_id IS NOT NULL AND reversal_type IS NOT NULL)
		OR
		(NOT is_reversal AND reverses_payment_id IS NULL AND reversal_reason_id IS NULL AND reversal_type IS NULL)
	)
);

CREATE INDEX IF NOT EXISTS idx_payments_fee_record
	ON payments(fee_record_id);
CREATE INDEX IF NOT EXISTS idx_payments_reverses
	ON payments(reverses_payment_id) WHERE reverses_payment_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_idempotency
	ON payments(idempotency_key) WHERE idempotency_key IS NOT NULL;
-- An original is reversed in full at most once.
CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_full_reversal
	ON payments(reverses_payment_id) WHERE reversal_type = 'FULL';

-- Allocations (append-only)
CREATE TABLE IF NOT EXISTS allocations (
	seq                    {serial},
	id                     TEXT NOT NULL UNIQUE,
	payment_id             TEXT NOT NULL REFERENCES payments(id),
	obligation_id          TEXT NOT NULL REFERENCES monthly_obligations(id),
	fee_record_id          TEXT NOT NULL REFERENCES fee_records(id),
	allocated_amount       {money} NOT NULL,
	is_reversal            BOOLEAN NOT NULL DEFAULT FALSE,
	reverses_allocation_id TEXT REFERENCES allocations(id),
	reversal_reason_id     TEXT,
	created_by             TEXT NOT NULL,
	created_at             {ts} NOT NULL,
	CHECK (
		(is_reversal AND reverses_allocation_id IS NOT NULL AND reversal_reason_id IS NOT NULL)
		OR
		(NOT is_reversal AND reverses_allocation_id IS NULL AND reversal_reason_id IS NULL)
	)
);

CREATE INDEX IF NOT EXISTS idx_allocations_payment
	ON allocations(payment_id);
CREATE INDEX IF NOT EXISTS idx_allocations_fee_record
	ON allocations(fee_record_id);
-- An allocation is reversed at most once.
CREATE UNIQUE INDEX IF NOT EXISTS idx_allocations_reverses
	ON allocations(reverses_allocation_id) WHERE reverses_allocation_id IS NOT NULL;

-- Audit entries (append-only)
CREATE TABLE IF NOT EXISTS audit_entries (
	seq           {serial},
	id            TEXT NOT NULL UNIQUE,
	fee_record_id TEXT NOT NULL,
	table_name    TEXT NOT NULL,
	record_id     TEXT NOT NULL,
	action        TEXT NOT NULL,
	old_value     {json},
	new_value     {json},
	actor_id      TEXT NOT NULL,
	created_at    {ts} NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_fee_record
	ON audit_entries(fee_record_id);
CREATE INDEX IF NOT EXISTS idx_audit_record
	ON audit_entries(record_id);

-- Students: admission numbers are unique among active rows only
CREATE TABLE IF NOT EXISTS students (
	id              TEXT PRIMARY KEY,
	admission_no    TEXT NOT NULL,
	name            TEXT NOT NULL,
	class_id        TEXT NOT NULL,
	session_year_id TEXT NOT NULL,
	deleted_at      {ts},
	created_at      {ts} NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_students_admission_active
	ON students(admission_no) WHERE deleted_at IS NULL;

-- Fee structures
CREATE TABLE IF NOT EXISTS fee_structures (
	id              TEXT PRIMARY KEY,
	class_id        TEXT NOT NULL,
	session_year_id TEXT NOT NULL,
	total_amount    {money} NOT NULL,
	components_json TEXT NOT NULL,
	created_at      {ts} NOT NULL,
	updated_at      {ts} NOT NULL,
	UNIQUE (class_id, session_year_id)
);
`

func (d dialect) schema() string {
	var r *strings.Replacer
	switch d {
	case postgres:
		r = strings.NewReplacer(
			"{serial}", "BIGSERIAL PRIMARY KEY",
			"{money}", "NUMERIC(14,2)",
			"{pct}", "NUMERIC(5,2)",
			"{ts}", "TIMESTAMPTZ",
			"{json}", "JSONB",
		)
	default:
		r = strings.NewReplacer(
			"{serial}", "INTEGER PRIMARY KEY AUTOINCREMENT",
			"{money}", "TEXT",
			"{pct}", "TEXT",
			"{ts}", "TIMESTAMP",
			"{json}", "TEXT",
		)
	}
	return r.Replace(schema)
}

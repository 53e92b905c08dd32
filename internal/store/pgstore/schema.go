package pgstore

import "context"

// Schema creates every table the ledger and the generation jobs need. Column names match the gormstore
// models so either store can run against the same database.
const Schema = `
create table if not exists credit_balances (
	user_id text primary key,
	credits bigint not null default 0 constraint chk_credit_balances_non_negative check (credits >= 0),
	lifetime_earned bigint not null default 0,
	lifetime_spent bigint not null default 0,
	subscription_tier text,
	subscription_expires_at_unix bigint,
	version bigint not null default 0,
	created_at timestamptz not null default now(),
	updated_at timestamptz not null default now()
);

create table if not exists ledger_transactions (
	transaction_id uuid primary key,
	user_id text not null,
	sequence bigint not null,
	type text not null,
	amount bigint not null,
	balance_before bigint not null,
	balance_after bigint not null,
	metadata jsonb not null default '{}'::jsonb,
	signature text not null,
	created_at timestamptz not null
);

create index if not exists idx_ledger_transactions_user_sequence on ledger_transactions(user_id, sequence);

create table if not exists ledger_transaction_keys (
	user_id text not null,
	idempotency_key text not null,
	transaction_id uuid not null references ledger_transactions(transaction_id),
	created_at timestamptz not null,
	primary key (user_id, idempotency_key)
);

create table if not exists generation_jobs (
	job_id uuid primary key,
	user_id text not null,
	kind text not null,
	model text not null,
	cost bigint not null,
	status text not null,
	debit_key text not null default '',
	debit_transaction_id text not null default '',
	refund_transaction_id text,
	result_url text,
	failure_reason text,
	created_at timestamptz not null,
	updated_at timestamptz not null
);

alter table generation_jobs add column if not exists debit_key text not null default '';

create index if not exists idx_generation_jobs_status_updated on generation_jobs(status, updated_at);

create or replace function ledger_transactions_immutable() returns trigger as $$
begin
	raise exception 'ledger transactions are immutable';
end;
$$ language plpgsql;

drop trigger if exists trg_ledger_transactions_immutable on ledger_transactions;
create trigger trg_ledger_transactions_immutable
	before update or delete on ledger_transactions
	for each row execute function ledger_transactions_immutable();
`

// EnsureSchema applies Schema. It is idempotent.
func (store *Store) EnsureSchema(ctx context.Context) error {
	if _, err := store.db.Exec(ctx, Schema); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
	}
	return nil
}

package sqlinline

const QEnsureRecordSchema = `--sql d5cb8ce3-979d-4624-b729-9a93fc24864e
create table if not exists kv_records (
    collection text not null,
    key text not null,
    value jsonb not null,
    indexes text[] not null default '{}',
    version bigint not null,
    created_at timestamptz not null default now(),
    updated_at timestamptz not null default now(),
    primary key (collection, key)
);
create index if not exists kv_records_indexes_gin on kv_records using gin (indexes);
create table if not exists kv_counters (
    collection text not null,
    key text not null,
    value bigint not null,
    expires_at timestamptz,
    primary key (collection, key)
);
`

const QSelectRecord = `--sql 61e1dfaf-4932-4292-9e98-8f1a293b21f2
select value, indexes, version, created_at, updated_at
from kv_records
where collection = $1::text and key = $2::text;
`

const QInsertRecord = `--sql 93b70917-819d-4da0-8613-92eef0c93b89
insert into kv_records (collection, key, value, indexes, version, created_at, updated_at)
values ($1::text, $2::text, $3::jsonb, $4::text[], 1, now(), now())
on conflict (collection, key) do nothing
returning created_at, updated_at;
`

const QCompareAndSwapRecord = `--sql 5bf1a81e-359a-47e9-9202-f17bbb93ca82
update kv_records
set value = $3::jsonb,
    indexes = $4::text[],
    version = version + 1,
    updated_at = now()
where collection = $1::text
  and key = $2::text
  and version = $5::bigint
returning version, created_at, updated_at;
`

const QRecordExists = `--sql 55ab770f-87aa-4770-ba16-e7260f2afcaa
select exists (
    select 1 from kv_records where collection = $1::text and key = $2::text
);
`

const QDeleteRecord = `--sql 1729b133-950a-417a-9db1-39039b6a95a7
delete from kv_records
where collection = $1::text and key = $2::text;
`

const QSelectRecordsByIndex = `--sql 00bc2bf6-5fa8-493f-8c33-ac923f80532a
select key, value, indexes, version, created_at, updated_at
from kv_records
where collection = $1::text
  and indexes @> array[$2::text]
order by key asc;
`

const QIncrementCounter = `--sql 420b163e-5a16-4538-b0a6-1f6b5f1d7702
with incoming as (
    select
        $1::text as collection,
        $2::text as key,
        $3::bigint as delta,
        case when $4::bigint > 0 then now() + ($4::bigint * interval '1 millisecond') end as expires_at
)
insert into kv_counters (collection, key, value, expires_at)
select collection, key, delta, expires_at from incoming
on conflict (collection, key) do update set
    value = case
        when kv_counters.expires_at is not null and kv_counters.expires_at <= now() then excluded.value
        else kv_counters.value + excluded.value
    end,
    expires_at = case
        when kv_counters.expires_at is not null and kv_counters.expires_at <= now() then excluded.expires_at
        else kv_counters.expires_at
    end
returning value;
`

const QPurgeExpiredCounters = `--sql 9b3a6d4e-d241-4d52-89c9-e10b4662a3fd
delete from kv_counters
where expires_at is not null and expires_at <= now();
`

package sqlinline

const QInsertGenerationJob = `--sql 4bc68128-e41a-4cc3-8d9a-accf934b034c
insert into generation_jobs (
    id, tenant_id, reservation_id, credits, request_json,
    status, status_at, credit_committed, credit_released,
    created_at, updated_at
)
values ($1::uuid, $2::text, $3::uuid, $4::bigint, $5::jsonb, $6::text, $7, false, false, $7, $7)
on conflict (id) do nothing;
`

const QSelectGenerationJob = `--sql 7f32d824-322c-4e67-bc2a-09ebc9306d23
select id::text, tenant_id, reservation_id::text, credits, request_json,
       status, status_at, started_at, finished_at,
       result_json, failure_json, dispatch_error_json,
       credit_committed, viewed_at, credit_released, released_at,
       created_at, updated_at
from generation_jobs
where id = $1::uuid;
`

// QWriteGenerationJobState writes a state computed from a previous read. The
// status and settlement flags in the where clause make it a compare-and-set.
const QWriteGenerationJobState = `--sql d2a46d7c-e4c2-46a5-ac6d-987f12555e85
update generation_jobs
set status = $5::text,
    status_at = $6,
    started_at = $7,
    finished_at = $8,
    result_json = $9::jsonb,
    failure_json = $10::jsonb,
    dispatch_error_json = coalesce($11::jsonb, dispatch_error_json),
    credit_committed = $12::boolean,
    viewed_at = $13,
    credit_released = $14::boolean,
    released_at = $15,
    updated_at = $16
where id = $1::uuid
  and status = $2::text
  and credit_committed = $3::boolean
  and credit_released = $4::boolean;
`

const QListGenerationJobs = `--sql ef0c994e-3d74-4e9b-8cf3-2075bc631145
select id::text, tenant_id, reservation_id::text, credits, request_json,
       status, status_at, started_at, finished_at,
       result_json, failure_json, dispatch_error_json,
       credit_committed, viewed_at, credit_released, released_at,
       created_at, updated_at
from generation_jobs
where status = $1::text
  and status_at <= $2
  and ($3::boolean = false or (credit_committed = false and credit_released = false))
order by status_at asc
limit $4::int;
`

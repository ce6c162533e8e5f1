package sqlinline

// QAcquirePipelineLock takes the lock when it is free, expired or already
// held by the same owner. No returned row means another owner holds it.
const QAcquirePipelineLock = `--sql 4b4ec814-8afe-4330-86ce-f2c839903acb
insert into pipeline_locks (key, owner, expires_at)
values ($1::text, $2::text, now() + ($3::bigint * interval '1 millisecond'))
on conflict (key) do update set
    owner = excluded.owner,
    expires_at = excluded.expires_at
where pipeline_locks.expires_at < now()
   or pipeline_locks.owner = excluded.owner
returning key;
`

const QReleasePipelineLock = `--sql 4c04b558-45eb-4554-aee0-52e2796562af
delete from pipeline_locks
where key = $1::text
  and owner = $2::text;
`

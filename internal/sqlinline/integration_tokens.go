package sqlinline

const QSelectIntegrationToken = `--sql 520c0001-c503-4700-9fb5-1b27502af5f7
select token, updated_at
from integration_tokens
where provider = $1::text
limit 1;
`

const QUpsertIntegrationToken = `--sql e25371bf-9e09-47f7-b1fa-66e368a2aa0b
insert into integration_tokens (id, provider, token, properties, created_at, updated_at)
values (gen_random_uuid(), $1::text, $2::text, coalesce($3::jsonb, '{}'::jsonb), now(), now())
on conflict (provider) do update set
    token = excluded.token,
    properties = excluded.properties,
    updated_at = now();
`

const QDeleteIntegrationToken = `--sql b89369ca-fd7d-4f04-823d-25e06a61ecf5
delete from integration_tokens
where provider = $1::text;
`

package sqlinline

const QReserveCredits = `--sql fdda1462-d01c-4d79-ad84-5555790d0e4d
with debited as (
    update credit_accounts
    set balance = balance - $3::bigint,
        held = held + $3::bigint,
        updated_at = now()
    where tenant_id = $2::text
      and balance >= $3::bigint
    returning tenant_id
)
insert into credit_reservations (id, tenant_id, amount, state, created_at)
select $1::uuid, tenant_id, $3::bigint, 'RESERVED', now()
from debited
returning id::text;
`

const QCommitReservation = `--sql ded1ac9c-b9e2-42ab-b92f-31f0375be8b3
with settled as (
    update credit_reservations
    set state = 'COMMITTED', settled_at = now()
    where id = $1::uuid
      and tenant_id = $2::text
      and state = 'RESERVED'
    returning tenant_id, amount
)
update credit_accounts a
set held = a.held - s.amount,
    spent = a.spent + s.amount,
    updated_at = now()
from settled s
where a.tenant_id = s.tenant_id;
`

const QReleaseReservation = `--sql 6eb10815-be54-4c4a-a107-6b9cb5f4e442
with settled as (
    update credit_reservations
    set state = 'RELEASED', settled_at = now()
    where id = $1::uuid
      and tenant_id = $2::text
      and state = 'RESERVED'
    returning tenant_id, amount
)
update credit_accounts a
set held = a.held - s.amount,
    balance = a.balance + s.amount,
    updated_at = now()
from settled s
where a.tenant_id = s.tenant_id;
`

const QSelectReservationState = `--sql 28217553-0857-474b-a523-870d83caf958
select state
from credit_reservations
where id = $1::uuid
  and tenant_id = $2::text;
`

const QTopUpCredits = `--sql b160a53d-44b0-4acd-8d4f-c15861f6047e
insert into credit_accounts (tenant_id, balance, held, spent, created_at, updated_at)
values ($1::text, $2::bigint, 0, 0, now(), now())
on conflict (tenant_id) do update set
    balance = credit_accounts.balance + excluded.balance,
    updated_at = now()
returning balance;
`

const QSelectCreditAccount = `--sql 27d83649-9b14-427e-b2ad-24c00c78cd3e
select balance, held, spent
from credit_accounts
where tenant_id = $1::text;
`

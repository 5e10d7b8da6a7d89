package sqlinline

const QSelectCreditBalance = `--sql 2a3408e1-dd0e-48df-a50a-bc6e7f5b26b9
select balance from user_credits where user_id = $1;
`

// QDeductCredits never drives a balance below zero. A negative $2 credits
// the balance back.
const QDeductCredits = `--sql 2a7f6761-b187-409e-b77d-49487bba0cda
update user_credits
set balance = balance - $2, updated_at = now()
where user_id = $1 and balance >= $2;
`

const QGrantCredits = `--sql 763b3c99-ed84-4a5a-928b-c21aae275e17
insert into user_credits (user_id, balance, updated_at)
values ($1, $2, now())
on conflict (user_id) do update
set balance = user_credits.balance + excluded.balance, updated_at = now();
`

const QInsertCreditTransaction = `--sql 9a21b2f1-6907-4c17-84ac-eebc107315c3
insert into credit_transactions (id, user_id, type, amount, description, workflow_instance_id, created_at)
values ($1, $2, $3, $4, $5, nullif($6, ''), $7);
`

const QListCreditTransactions = `--sql 1c1de289-cf38-483b-ac6f-7b00d9846910
select id::text, user_id, type, amount, description, coalesce(workflow_instance_id, ''), created_at
from credit_transactions
where user_id = $1 and ($2::text = '' or workflow_instance_id = $2::text)
order by created_at asc, id asc;
`

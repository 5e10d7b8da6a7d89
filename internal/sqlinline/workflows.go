package sqlinline

const QInsertWorkflowInstance = `--sql 14183447-e7df-45c8-a47f-8ec572ea2709
insert into workflow_instances (
    id, owner_id, kind, status, current_step, progress, input, task_handles, artifacts, outputs,
    final_artifact_url, billing_mode, credits_reserved, credits_charged, credits_refunded,
    error_message, version, created_at, updated_at
) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, now(), now())
returning created_at, updated_at;
`

const QSelectWorkflowInstance = `--sql adc6f1a3-f7bc-46b1-a644-a562beeffbd6
select id, owner_id, kind, status, current_step, progress, input, task_handles, artifacts, outputs,
       final_artifact_url, billing_mode, credits_reserved, credits_charged, credits_refunded,
       downloaded, download_credits_used, error_message, version, last_processed_at, created_at, updated_at
from workflow_instances
where id = $1;
`

const QSelectOwnedWorkflowInstance = `--sql 67548e21-302c-41b4-996c-378140893736
select id, owner_id, kind, status, current_step, progress, input, task_handles, artifacts, outputs,
       final_artifact_url, billing_mode, credits_reserved, credits_charged, credits_refunded,
       downloaded, download_credits_used, error_message, version, last_processed_at, created_at, updated_at
from workflow_instances
where id = $1 and owner_id = $2;
`

const QSelectWorkflowByTaskHandle = `--sql 8706f01e-08e1-4b21-914e-7ff14167e3d2
select id, owner_id, kind, status, current_step, progress, input, task_handles, artifacts, outputs,
       final_artifact_url, billing_mode, credits_reserved, credits_charged, credits_refunded,
       downloaded, download_credits_used, error_message, version, last_processed_at, created_at, updated_at
from workflow_instances
where jsonb_path_exists(task_handles, '$.*[*] ? (@ == $h)', jsonb_build_object('h', $1::text))
order by updated_at desc
limit 1;
`

// QUpdateWorkflowInstance only applies while status and version still match
// what the caller read; zero affected rows means another writer won.
const QUpdateWorkflowInstance = `--sql fabe3c6f-03fd-4e55-a498-cdb26ed2c032
update workflow_instances
set status = $4,
    current_step = $5,
    progress = $6,
    input = $7,
    task_handles = $8,
    artifacts = $9,
    outputs = $10,
    final_artifact_url = $11,
    credits_reserved = $12,
    credits_charged = $13,
    credits_refunded = $14,
    error_message = $15,
    version = version + 1,
    last_processed_at = now(),
    updated_at = now()
where id = $1 and status = $2 and version = $3
returning version, last_processed_at, updated_at;
`

const QListInFlightWorkflows = `--sql ab069871-c6fa-4974-8508-8eb5c6da9077
select id, owner_id, kind, status, current_step, progress, input, task_handles, artifacts, outputs,
       final_artifact_url, billing_mode, credits_reserved, credits_charged, credits_refunded,
       downloaded, download_credits_used, error_message, version, last_processed_at, created_at, updated_at
from workflow_instances
where status = any($1::text[])
order by last_processed_at asc nulls first, updated_at asc
limit $2;
`

const QTouchWorkflowInstance = `--sql a8977518-87a5-4fe9-acb4-ccd1a9b770be
update workflow_instances
set last_processed_at = $2
where id = $1;
`

const QMarkWorkflowDownloaded = `--sql 893ab9de-f2bd-40cd-a7ce-4385eddd6e47
update workflow_instances
set downloaded = true,
    download_credits_used = $2,
    credits_charged = credits_charged + $2,
    updated_at = now()
where id = $1 and downloaded = false;
`

const QWorkflowExists = `--sql 29f7c91a-f4ad-4ad6-86f6-ccc72e090750
select exists(select 1 from workflow_instances where id = $1);
`

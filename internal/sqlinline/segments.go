package sqlinline

const QDeleteWorkflowSegments = `--sql 6745aa68-ddab-4c81-8280-02e5b2da2804
delete from workflow_segments
where workflow_instance_id = $1;
`

const QInsertWorkflowSegment = `--sql faa354d2-4907-4332-b43d-57b8cfc4a8c9
insert into workflow_segments (
    workflow_instance_id, segment_index, status, prompt, duration_seconds,
    first_frame_url, closing_frame_url, task_id, video_url, error_message
) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);
`

const QListWorkflowSegments = `--sql 845ce5cc-9ee5-4920-96e6-92eb69558426
select workflow_instance_id, segment_index, status, prompt, duration_seconds,
       first_frame_url, closing_frame_url, task_id, video_url, error_message, created_at, updated_at
from workflow_segments
where workflow_instance_id = $1
order by segment_index asc;
`

const QMarkSegmentGenerating = `--sql 52570c7e-c501-4025-bb1a-847bcb429b32
update workflow_segments
set status = 'generating', task_id = $3, updated_at = now()
where workflow_instance_id = $1 and segment_index = $2 and status = 'pending';
`

const QMarkSegmentFailed = `--sql 996b2787-7ed6-4367-bc70-08faf990a532
update workflow_segments
set status = 'failed', error_message = $3, updated_at = now()
where workflow_instance_id = $1 and segment_index = $2 and status = 'pending';
`

const QSegmentExists = `--sql b492ac73-4955-4856-a404-797f727adbb8
select exists(
    select 1 from workflow_segments where workflow_instance_id = $1 and segment_index = $2
);
`

const QResolveSegment = `--sql 542f2169-7b23-455c-8032-c0159b191dbc
update workflow_segments
set status = $3, video_url = $4, error_message = $5, updated_at = now()
where workflow_instance_id = $1 and task_id = $2 and status = 'generating';
`

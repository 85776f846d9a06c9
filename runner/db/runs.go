package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tangled.sh/tangled.sh/gate/runner/models"
	"tangled.sh/tangled.sh/gate/workflow"
)

type Run struct {
	Id        models.PipelineId        `json:"id"`
	Trigger   workflow.TriggerMetadata `json:"trigger"`
	Workflows []string                 `json:"workflows"`
	CreatedAt time.Time                `json:"created_at"`
}

func (d *DB) CreateRun(id models.PipelineId, trigger workflow.TriggerMetadata, workflows []string) error {
	triggerJson, err := json.Marshal(trigger)
	if err != nil {
		return err
	}
	if workflows == nil {
		workflows = []string{}
	}
	workflowsJson, err := json.Marshal(workflows)
	if err != nil {
		return err
	}

	_, err = d.Exec(`
		insert into runs (rkey, source, trigger, workflows, created)
		values (?, ?, ?, ?, ?)
	`, id.Rkey, id.Source, string(triggerJson), string(workflowsJson), time.Now().UnixNano())
	return err
}

func (d *DB) GetRun(rkey string) (Run, error) {
	row := d.QueryRow(`
		select rkey, source, trigger, workflows, created
		from runs
		where rkey = ?
	`, rkey)
	return scanRun(row)
}

// ListRuns pages through runs newest first. cursor is the rkey of the last
// run of the previous page.
func (d *DB) ListRuns(cursor string, limit int) ([]Run, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	whereClause := ""
	args := []any{}
	if cursor != "" {
		whereClause = "where rkey < ?"
		args = append(args, cursor)
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		select rkey, source, trigger, workflows, created
		from runs
		%s
		order by rkey desc
		limit ?
	`, whereClause)

	rows, err := d.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return runs, nil
}

// RunStatuses returns the latest status of each workflow in a run, keyed by
// workflow name. Workflows without any event are left out.
func (d *DB) RunStatuses(r Run) (map[string]models.WorkflowStatus, error) {
	out := make(map[string]models.WorkflowStatus, len(r.Workflows))
	for _, name := range r.Workflows {
		s, err := d.GetStatus(models.WorkflowId{PipelineId: r.Id, Name: name})
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[name] = *s
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var r Run
	var triggerJson, workflowsJson string
	var created int64
	if err := s.Scan(&r.Id.Rkey, &r.Id.Source, &triggerJson, &workflowsJson, &created); err != nil {
		return r, err
	}

	if err := json.Unmarshal([]byte(triggerJson), &r.Trigger); err != nil {
		return r, fmt.Errorf("decoding trigger of %s: %w", r.Id.Rkey, err)
	}
	if err := json.Unmarshal([]byte(workflowsJson), &r.Workflows); err != nil {
		return r, fmt.Errorf("decoding workflows of %s: %w", r.Id.Rkey, err)
	}
	r.CreatedAt = time.Unix(0, created).UTC()

	return r, nil
}

package db

import (
	"encoding/json"
	"fmt"
	"time"

	"tangled.sh/tangled.sh/gate/runner/models"
	"tangled.sh/tangled.sh/gate/runner/notifier"
	"tangled.sh/tangled.sh/gate/tid"
)

const (
	EventKindStatus = "gate.workflow.status"
)

type Event struct {
	Rkey      string `json:"rkey"`
	Kind      string `json:"kind"`
	Created   int64  `json:"created"`
	EventJson string `json:"event"`
}

func (d *DB) InsertEvent(event Event, n *notifier.Notifier) error {
	if event.Created == 0 {
		event.Created = time.Now().UnixNano()
	}

	_, err := d.Exec(
		`insert into events (rkey, kind, event, created) values (?, ?, ?, ?)`,
		event.Rkey,
		event.Kind,
		event.EventJson,
		event.Created,
	)
	if err != nil {
		return err
	}

	n.NotifyAll()
	return nil
}

// GetEvents returns up to 100 events created strictly after cursor, oldest
// first. A zero cursor starts from the beginning.
func (d *DB) GetEvents(cursor int64) ([]Event, error) {
	whereClause := ""
	args := []any{}
	if cursor > 0 {
		whereClause = "where created > ?"
		args = append(args, cursor)
	}

	query := fmt.Sprintf(`
		select rkey, kind, event, created
		from events
		%s
		order by created asc
		limit 100
	`, whereClause)

	rows, err := d.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evts []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.Rkey, &ev.Kind, &ev.EventJson, &ev.Created); err != nil {
			return nil, err
		}
		evts = append(evts, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return evts, nil
}

type statusOpt func(*models.WorkflowStatus)

func withError(msg string) statusOpt {
	return func(s *models.WorkflowStatus) { s.Error = &msg }
}

func withExitCode(code int64) statusOpt {
	return func(s *models.WorkflowStatus) { s.ExitCode = &code }
}

func withStep(name string) statusOpt {
	return func(s *models.WorkflowStatus) {
		if name != "" {
			s.Step = &name
		}
	}
}

func (d *DB) createStatusEvent(wid models.WorkflowId, kind models.StatusKind, n *notifier.Notifier, opts ...statusOpt) error {
	now := time.Now()
	s := models.WorkflowStatus{
		Pipeline:  wid.PipelineId.String(),
		Workflow:  wid.Name,
		Status:    kind,
		CreatedAt: now.Format(time.RFC3339),
	}
	for _, o := range opts {
		o(&s)
	}

	eventJson, err := json.Marshal(s)
	if err != nil {
		return err
	}

	return d.InsertEvent(Event{
		Rkey:      tid.TID(),
		Kind:      EventKindStatus,
		Created:   now.UnixNano(),
		EventJson: string(eventJson),
	}, n)
}

// GetStatus returns the latest status event of a workflow.
func (d *DB) GetStatus(wid models.WorkflowId) (*models.WorkflowStatus, error) {
	var eventJson string
	err := d.QueryRow(
		`
		select
			event from events
		where
			kind = ?
			and json_extract(event, '$.pipeline') = ?
			and json_extract(event, '$.workflow') = ?
		order by
			created desc
		limit
			1
		`,
		EventKindStatus,
		wid.PipelineId.String(),
		wid.Name,
	).Scan(&eventJson)
	if err != nil {
		return nil, err
	}

	var status models.WorkflowStatus
	if err := json.Unmarshal([]byte(eventJson), &status); err != nil {
		return nil, err
	}

	return &status, nil
}

func (d *DB) StatusPending(wid models.WorkflowId, n *notifier.Notifier) error {
	return d.createStatusEvent(wid, models.StatusKindPending, n)
}

func (d *DB) StatusRunning(wid models.WorkflowId, n *notifier.Notifier) error {
	return d.createStatusEvent(wid, models.StatusKindRunning, n)
}

// StatusFailed records the failing step name, when one is known, next to the
// error and exit code.
func (d *DB) StatusFailed(wid models.WorkflowId, workflowError string, exitCode int64, step string, n *notifier.Notifier) error {
	return d.createStatusEvent(wid, models.StatusKindFailed, n, withError(workflowError), withExitCode(exitCode), withStep(step))
}

func (d *DB) StatusSuccess(wid models.WorkflowId, n *notifier.Notifier) error {
	return d.createStatusEvent(wid, models.StatusKindSuccess, n)
}

func (d *DB) StatusTimeout(wid models.WorkflowId, step string, n *notifier.Notifier) error {
	return d.createStatusEvent(wid, models.StatusKindTimeout, n, withStep(step))
}

func (d *DB) StatusCancelled(wid models.WorkflowId, workflowError string, n *notifier.Notifier) error {
	return d.createStatusEvent(wid, models.StatusKindCancelled, n, withError(workflowError))
}

package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tangled.sh/tangled.sh/loom/runner/models"
	"tangled.sh/tangled.sh/loom/tid"
)

const EventKindStatus = "loom.status"

type Event struct {
	Rkey      string `json:"rkey"`
	Kind      string `json:"kind"`
	Created   int64  `json:"created"`
	EventJson string `json:"event"`
}

// StatusEvent is one transition of one job instance.
type StatusEvent struct {
	Rkey      string  `json:"rkey"` // of the run
	Workflow  string  `json:"workflow"`
	Instance  string  `json:"instance"`
	Status    string  `json:"status"`
	Error     *string `json:"error,omitempty"`
	ExitCode  *int64  `json:"exit_code,omitempty"`
	CreatedAt string  `json:"created_at"`
}

func (d *DB) InsertEvent(event Event) error {
	_, err := d.Exec(
		`insert into events (rkey, kind, event, created) values (?, ?, ?, ?)`,
		event.Rkey,
		event.Kind,
		event.EventJson,
		event.Created,
	)

	d.n.NotifyAll()

	return err
}

// GetEvents returns up to 100 events created after cursor, oldest first.
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

func (d *DB) createStatusEvent(
	iid models.InstanceId,
	statusKind models.StatusKind,
	reason *string,
	exitCode *int64,
) error {
	now := time.Now()
	s := StatusEvent{
		Rkey:      iid.Rkey,
		Workflow:  iid.Workflow,
		Instance:  iid.Name,
		Status:    string(statusKind),
		Error:     reason,
		ExitCode:  exitCode,
		CreatedAt: now.Format(time.RFC3339Nano),
	}

	eventJson, err := json.Marshal(s)
	if err != nil {
		return err
	}

	event := Event{
		Rkey:      tid.TID(),
		Kind:      EventKindStatus,
		Created:   now.UnixNano(),
		EventJson: string(eventJson),
	}

	return d.InsertEvent(event)
}

// GetStatus is the latest status event of an instance.
func (d *DB) GetStatus(iid models.InstanceId) (*StatusEvent, error) {
	var eventJson string
	err := d.QueryRow(
		`
		select
			event from events
		where
			kind = ?
			and json_extract(event, '$.rkey') = ?
			and json_extract(event, '$.workflow') = ?
			and json_extract(event, '$.instance') = ?
		order by
			created desc, rowid desc
		limit
			1
		`,
		EventKindStatus,
		iid.Rkey,
		iid.Workflow,
		iid.Name,
	).Scan(&eventJson)

	if err != nil {
		return nil, err
	}

	var status StatusEvent
	if err := json.Unmarshal([]byte(eventJson), &status); err != nil {
		return nil, err
	}

	return &status, nil
}

func (d *DB) StatusPending(iid models.InstanceId) error {
	return d.createStatusEvent(iid, models.StatusKindPending, nil, nil)
}

func (d *DB) StatusRunning(iid models.InstanceId) error {
	return d.createStatusEvent(iid, models.StatusKindRunning, nil, nil)
}

func (d *DB) StatusFailed(iid models.InstanceId, reason string, exitCode int64) error {
	return d.createStatusEvent(iid, models.StatusKindFailed, &reason, &exitCode)
}

func (d *DB) StatusSuccess(iid models.InstanceId) error {
	return d.createStatusEvent(iid, models.StatusKindSuccess, nil, nil)
}

func (d *DB) StatusTimeout(iid models.InstanceId) error {
	return d.createStatusEvent(iid, models.StatusKindTimeout, nil, nil)
}

func (d *DB) StatusCancelled(iid models.InstanceId, reason string) error {
	return d.createStatusEvent(iid, models.StatusKindCancelled, &reason, nil)
}

// RunWorkflow returns the workflow a run key belongs to, as recorded by the
// run's first status event.
func (d *DB) RunWorkflow(rkey string) (string, error) {
	var wf string
	err := d.QueryRow(`
		select json_extract(event, '$.workflow')
		from events
		where kind = ? and json_extract(event, '$.rkey') = ?
		order by created asc
		limit 1
	`, EventKindStatus, rkey).Scan(&wf)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrRunNotFound
	}
	return wf, err
}

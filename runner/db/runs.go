package db

import (
	"database/sql"
	"encoding/json"
	"errors"

	"tangled.sh/tangled.sh/loom/runner/models"
)

var ErrRunNotFound = errors.New("run not found")

func (d *DB) SaveReport(report *models.RunReport) error {
	contents, err := json.Marshal(report)
	if err != nil {
		return err
	}

	_, err = d.Exec(`
		insert into runs (rkey, workflow, verdict, report)
		values (?, ?, ?, ?)
		on conflict(rkey) do update set
			workflow = excluded.workflow,
			verdict = excluded.verdict,
			report = excluded.report
	`, report.Rkey, report.Workflow, string(report.Verdict), string(contents))
	if err != nil {
		return err
	}

	d.n.NotifyAll()
	return nil
}

func (d *DB) GetReport(rkey string) (*models.RunReport, error) {
	var contents string
	err := d.QueryRow(`select report from runs where rkey = ?`, rkey).Scan(&contents)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}

	var report models.RunReport
	if err := json.Unmarshal([]byte(contents), &report); err != nil {
		return nil, err
	}
	return &report, nil
}

type RunSummary struct {
	Rkey     string         `json:"rkey"`
	Workflow string         `json:"workflow"`
	Verdict  models.Verdict `json:"verdict"`
	Created  string         `json:"created"`
}

// ListRuns returns the most recent runs first.
func (d *DB) ListRuns(limit int) ([]RunSummary, error) {
	rows, err := d.Query(`
		select rkey, workflow, verdict, created
		from runs
		order by rkey desc
		limit ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var r RunSummary
		var verdict string
		if err := rows.Scan(&r.Rkey, &r.Workflow, &verdict, &r.Created); err != nil {
			return nil, err
		}
		r.Verdict = models.Verdict(verdict)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

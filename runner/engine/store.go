package engine

import (
	"tangled.sh/tangled.sh/loom/runner/models"
)

// Store receives every status transition of every instance, and the final
// report of every run. The sqlite implementation lives in runner/db.
type Store interface {
	StatusPending(iid models.InstanceId) error
	StatusRunning(iid models.InstanceId) error
	StatusSuccess(iid models.InstanceId) error
	StatusFailed(iid models.InstanceId, reason string, exitCode int64) error
	StatusTimeout(iid models.InstanceId) error
	StatusCancelled(iid models.InstanceId, reason string) error
	SaveReport(report *models.RunReport) error
}

type nopStore struct{}

func (nopStore) StatusPending(models.InstanceId) error {
	return nil
}

func (nopStore) StatusRunning(models.InstanceId) error {
	return nil
}

func (nopStore) StatusSuccess(models.InstanceId) error {
	return nil
}

func (nopStore) StatusFailed(models.InstanceId, string, int64) error {
	return nil
}

func (nopStore) StatusTimeout(models.InstanceId) error {
	return nil
}

func (nopStore) StatusCancelled(models.InstanceId, string) error {
	return nil
}

func (nopStore) SaveReport(*models.RunReport) error {
	return nil
}

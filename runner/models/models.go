package models

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

var (
	re    = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)
	envRe = regexp.MustCompile(`[^a-zA-Z0-9_]`)
)

var (
	ErrAlreadyTerminal   = errors.New("instance is already in a terminal state")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrDuplicateRecord   = errors.New("instance already has a terminal record")
)

// RunId identifies one activation of one workflow.
type RunId struct {
	Rkey     string
	Workflow string
}

func (r RunId) String() string {
	return fmt.Sprintf("%s-%s", r.Rkey, normalize(r.Workflow))
}

type InstanceId struct {
	RunId
	Name string
}

func (iid InstanceId) String() string {
	return fmt.Sprintf("%s-%s", iid.RunId, normalize(iid.Name))
}

// normalize makes name safe for paths and container names. A name that had
// to be rewritten is suffixed with a digest of the original, so two names
// never share a log file or a network.
func normalize(name string) string {
	normalized := re.ReplaceAllString(name, "-")
	if normalized == name {
		return name
	}
	return normalized + "-" + digest(name)
}

func digest(name string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()[:8]
}

type StatusKind string

var (
	StatusKindPending   StatusKind = "pending"
	StatusKindRunning   StatusKind = "running"
	StatusKindFailed    StatusKind = "failed"
	StatusKindTimeout   StatusKind = "timeout"
	StatusKindCancelled StatusKind = "cancelled"
	StatusKindSuccess   StatusKind = "success"

	StartStates [2]StatusKind = [2]StatusKind{
		StatusKindPending,
		StatusKindRunning,
	}
	FinishStates [4]StatusKind = [4]StatusKind{
		StatusKindCancelled,
		StatusKindFailed,
		StatusKindSuccess,
		StatusKindTimeout,
	}
)

func (s StatusKind) String() string {
	return string(s)
}

func (s StatusKind) IsStart() bool {
	for _, state := range StartStates {
		if s == state {
			return true
		}
	}
	return false
}

func (s StatusKind) IsFinish() bool {
	for _, state := range FinishStates {
		if s == state {
			return true
		}
	}
	return false
}

// IsFailure is true for the states that fail a run: failed and timed out.
func (s StatusKind) IsFailure() bool {
	return s == StatusKindFailed || s == StatusKindTimeout
}

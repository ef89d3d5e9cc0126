package models

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

var (
	re = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)
)

// PipelineId identifies one pipeline run. It is minted by the server
// when a trigger is accepted.
type PipelineId string

func NewPipelineId() PipelineId {
	return PipelineId(uuid.NewString())
}

type WorkflowId struct {
	PipelineId PipelineId
	Name       string
}

func (wid WorkflowId) String() string {
	return fmt.Sprintf("%s-%s", wid.PipelineId, normalize(wid.Name))
}

func normalize(name string) string {
	return re.ReplaceAllString(name, "-")
}

type StatusKind string

const (
	StatusKindPending StatusKind = "pending"
	StatusKindRunning StatusKind = "running"
	StatusKindFailed  StatusKind = "failed"
	StatusKindTimeout StatusKind = "timeout"
	StatusKindSuccess StatusKind = "success"
)

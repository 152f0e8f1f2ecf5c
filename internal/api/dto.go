package api

import (
	"strings"

	"mirrorbot/internal/task"
)

type SubmitRequest struct {
	Source         string `json:"source"`
	Requester      string `json:"requester"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (r SubmitRequest) Validate() []string {
	var problems []string
	if strings.TrimSpace(r.Source) == "" {
		problems = append(problems, "source is required")
	}
	if strings.TrimSpace(r.Requester) == "" {
		problems = append(problems, "requester is required")
	}
	return problems
}

type SubmitResponse struct {
	ID string `json:"id"`
}

type CancelRequest struct {
	Requester string `json:"requester"`
}

type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

type ListResponse struct {
	Tasks []task.Task `json:"tasks"`
	Count int         `json:"count"`
}

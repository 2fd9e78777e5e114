package server

import (
	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/graph"
)

type definitionListResponse struct {
	Body struct {
		Items []domain.WorkflowDefinition `json:"items"`
		Total int                         `json:"total"`
	}
}

func newDefinitionListResponse(items []domain.WorkflowDefinition) *definitionListResponse {
	res := &definitionListResponse{}
	res.Body.Items = items
	res.Body.Total = len(items)
	return res
}

type definitionDetailResponse struct {
	Body engine.DefinitionDetail
}

type validationIssue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type validationResponse struct {
	Body struct {
		Valid  bool              `json:"valid"`
		Issues []validationIssue `json:"issues,omitempty"`
	}
}

func newValidationResponse(issues []graph.Issue) *validationResponse {
	res := &validationResponse{}
	res.Body.Valid = len(issues) == 0
	for _, issue := range issues {
		res.Body.Issues = append(res.Body.Issues, validationIssue{
			Code:    issue.Code,
			Message: issue.Message,
		})
	}
	return res
}

type sessionListResponse struct {
	Body struct {
		Items []domain.FlowSession `json:"items"`
		Total int                  `json:"total"`
	}
}

func newSessionListResponse(items []domain.FlowSession) *sessionListResponse {
	res := &sessionListResponse{}
	res.Body.Items = items
	res.Body.Total = len(items)
	return res
}

type sessionDetailResponse struct {
	Body engine.SessionDetail
}

type contextResponse struct {
	Body struct {
		Context map[string]string `json:"context"`
	}
}

func newContextResponse(values map[string]string) *contextResponse {
	res := &contextResponse{}
	if values == nil {
		values = map[string]string{}
	}
	res.Body.Context = values
	return res
}

type eventListResponse struct {
	Body struct {
		Items []domain.StatusEvent `json:"items"`
		Total int                  `json:"total"`
	}
}

func newEventListResponse(items []domain.StatusEvent) *eventListResponse {
	res := &eventListResponse{}
	res.Body.Items = items
	res.Body.Total = len(items)
	return res
}

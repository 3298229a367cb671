package postgres

import (
	"github.com/google/uuid"

	"github.com/jkaninda/runbox/internal/domain"
	"github.com/jkaninda/runbox/internal/storage"
)

func toExecutionModel(e *storage.Execution) ExecutionModel {
	return ExecutionModel{
		ID:         e.ID,
		Status:     string(e.Status),
		Origin:     string(e.Origin),
		ClientID:   e.ClientID,
		JobID:      e.JobID,
		Language:   string(e.Language),
		Framework:  string(e.Framework),
		Image:      e.Image,
		Mode:       string(e.Mode),
		Success:    e.Success,
		ExitCode:   e.ExitCode,
		Stdout:     e.Stdout,
		Stderr:     e.Stderr,
		Error:      e.Error,
		DurationMs: e.DurationMs,
		TestCases:  toTestCaseModels(e.ID, e.Tests),
		CreatedAt:  e.CreatedAt,
		FinishedAt: e.FinishedAt,
	}
}

func toTestCaseModels(executionID uuid.UUID, tests []domain.TestCase) []TestCaseModel {
	if len(tests) == 0 {
		return nil
	}
	out := make([]TestCaseModel, len(tests))
	for i, tc := range tests {
		out[i] = TestCaseModel{
			ID:          uuid.New(),
			ExecutionID: executionID,
			Position:    i,
			Name:        tc.Name,
			Status:      string(tc.Status),
			DurationMs:  tc.DurationMs,
			Description: tc.Description,
			Error:       tc.Error,
		}
	}
	return out
}

func toExecutionDomain(m *ExecutionModel) *storage.Execution {
	e := &storage.Execution{
		ID:         m.ID,
		Status:     storage.Status(m.Status),
		Origin:     storage.Origin(m.Origin),
		ClientID:   m.ClientID,
		JobID:      m.JobID,
		Language:   domain.Language(m.Language),
		Framework:  domain.Framework(m.Framework),
		Image:      m.Image,
		Mode:       domain.Mode(m.Mode),
		Success:    m.Success,
		ExitCode:   m.ExitCode,
		Stdout:     m.Stdout,
		Stderr:     m.Stderr,
		Error:      m.Error,
		DurationMs: m.DurationMs,
		CreatedAt:  m.CreatedAt,
		FinishedAt: m.FinishedAt,
	}
	if len(m.TestCases) > 0 {
		e.Tests = make([]domain.TestCase, len(m.TestCases))
		for i, tc := range m.TestCases {
			e.Tests[i] = domain.TestCase{
				Name:        tc.Name,
				Status:      domain.TestStatus(tc.Status),
				DurationMs:  tc.DurationMs,
				Description: tc.Description,
				Error:       tc.Error,
			}
		}
	}
	return e
}

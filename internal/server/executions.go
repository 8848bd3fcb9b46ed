// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/fmeurisse/maestro-sub002/internal/store"
	"github.com/fmeurisse/maestro-sub002/pkg/workflow"
)

// startExecutionRequest is the JSON body of POST /api/executions.
type startExecutionRequest struct {
	Namespace  string         `json:"namespace"`
	ID         string         `json:"id"`
	Version    int            `json:"version"`
	Parameters map[string]any `json:"parameters"`
}

// executionResponse is the JSON shape of an execution, with the step trace
// attached on single-execution reads.
type executionResponse struct {
	ExecutionID     string              `json:"executionId"`
	Status          string              `json:"status"`
	RevisionID      workflow.RevisionID `json:"revisionId"`
	InputParameters map[string]any      `json:"inputParameters"`
	ErrorMessage    string              `json:"errorMessage,omitempty"`
	StartedAt       time.Time           `json:"startedAt"`
	CompletedAt     *time.Time          `json:"completedAt,omitempty"`
	Steps           []stepResultView    `json:"steps,omitempty"`
	Links           map[string]string   `json:"_links,omitempty"`
}

// stepResultView is one checkpoint in the execution trace.
type stepResultView struct {
	StepIndex    int            `json:"stepIndex"`
	StepID       string         `json:"stepId"`
	StepType     string         `json:"stepType"`
	Status       string         `json:"status"`
	InputData    map[string]any `json:"inputData,omitempty"`
	OutputData   map[string]any `json:"outputData,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	ErrorDetails map[string]any `json:"errorDetails,omitempty"`
	StartedAt    time.Time      `json:"startedAt"`
	CompletedAt  time.Time      `json:"completedAt"`
}

// handleStartExecution runs a revision synchronously and returns the settled
// execution. Numbers are decoded as json.Number so INTEGER and FLOAT
// parameters see exact values, not float64 approximations.
func (s *Server) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDocumentSize))
	decoder.UseNumber()

	var req startExecutionRequest
	if err := decoder.Decode(&req); err != nil {
		writeProblem(w, r, Problem{
			Title:  "Invalid Request Body",
			Status: http.StatusBadRequest,
			Detail: err.Error(),
		})
		return
	}

	id := workflow.RevisionID{
		WorkflowID: workflow.WorkflowID{Namespace: req.Namespace, ID: req.ID},
		Version:    req.Version,
	}
	if err := id.Validate(); err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	exec, err := s.engine.Run(r.Context(), id, req.Parameters)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	resp := executionView(exec, nil)
	resp.Links = map[string]string{"self": "/api/executions/" + exec.ExecutionID}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetExecution returns one execution with its full step trace.
func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("executionId")

	exec, err := s.executions.FindByID(r.Context(), executionID)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	results, err := s.executions.FindStepResultsByExecutionID(r.Context(), executionID)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, executionView(exec, results))
}

// executionView maps the stored execution and trace to the response shape.
func executionView(exec *store.Execution, results []*store.StepResult) executionResponse {
	resp := executionResponse{
		ExecutionID:     exec.ExecutionID,
		Status:          string(exec.Status),
		RevisionID:      exec.Revision,
		InputParameters: exec.InputParameters,
		ErrorMessage:    exec.ErrorMessage,
		StartedAt:       exec.StartedAt,
		CompletedAt:     exec.CompletedAt,
	}
	for _, result := range results {
		resp.Steps = append(resp.Steps, stepResultView{
			StepIndex:    result.StepIndex,
			StepID:       result.StepID,
			StepType:     result.StepType,
			Status:       string(result.Status),
			InputData:    result.InputData,
			OutputData:   result.OutputData,
			ErrorMessage: result.ErrorMessage,
			ErrorDetails: result.ErrorDetails,
			StartedAt:    result.StartedAt,
			CompletedAt:  result.CompletedAt,
		})
	}
	return resp
}

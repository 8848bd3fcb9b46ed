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
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fmeurisse/maestro-sub002/pkg/errors"
	"github.com/fmeurisse/maestro-sub002/pkg/workflow"
	"github.com/fmeurisse/maestro-sub002/pkg/workflow/document"
)

// maxDocumentSize caps workflow document uploads at 1 MiB.
const maxDocumentSize = 1 << 20

// currentUpdatedAtHeader carries the optimistic-lock token on activation
// requests.
const currentUpdatedAtHeader = "X-Current-Updated-At"

// handleCreateWorkflow creates version 1 of a new workflow.
func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	rws, ok := s.readRevisionDocument(w, r)
	if !ok {
		return
	}

	stored, err := s.revisions.SaveFirst(r.Context(), rws)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	w.Header().Set("Location", revisionLocation(stored.Revision.RevisionID()))
	writeYAML(w, http.StatusCreated, []byte(stored.Source))
}

// handleCreateRevision creates the next revision of an existing workflow.
func (s *Server) handleCreateRevision(w http.ResponseWriter, r *http.Request) {
	id := workflow.WorkflowID{Namespace: r.PathValue("namespace"), ID: r.PathValue("id")}
	if err := id.Validate(); err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	rws, ok := s.readRevisionDocument(w, r)
	if !ok {
		return
	}
	if rws.Revision.Namespace != id.Namespace || rws.Revision.ID != id.ID {
		writeError(w, r, s.logger, &errors.MalformedIdentifierError{
			Field: "id", Value: rws.Revision.WorkflowID().String(),
			Reason: fmt.Sprintf("document identity does not match path %s", id.String()),
		})
		return
	}

	stored, err := s.revisions.SaveNext(r.Context(), id, rws)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	w.Header().Set("Location", revisionLocation(stored.Revision.RevisionID()))
	writeYAML(w, http.StatusCreated, []byte(stored.Source))
}

// handleGetRevision returns the stored source text of one revision.
func (s *Server) handleGetRevision(w http.ResponseWriter, r *http.Request) {
	id, ok := s.revisionID(w, r)
	if !ok {
		return
	}

	stored, err := s.revisions.GetWithSource(r.Context(), id)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeYAML(w, http.StatusOK, []byte(stored.Source))
}

// revisionSummary is one element of the revision list response.
type revisionSummary struct {
	Namespace string    `yaml:"namespace"`
	ID        string    `yaml:"id"`
	Version   int       `yaml:"version"`
	Name      string    `yaml:"name"`
	Active    bool      `yaml:"active"`
	CreatedAt time.Time `yaml:"createdAt"`
	UpdatedAt time.Time `yaml:"updatedAt"`
}

// handleListRevisions lists the revisions of a workflow, optionally filtered
// by the active flag.
func (s *Server) handleListRevisions(w http.ResponseWriter, r *http.Request) {
	id := workflow.WorkflowID{Namespace: r.PathValue("namespace"), ID: r.PathValue("id")}

	var activeFilter *bool
	if raw := r.URL.Query().Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, s.logger, &errors.MalformedIdentifierError{
				Field: "active", Value: raw, Reason: "must be a boolean",
			})
			return
		}
		activeFilter = &active
	}

	revisions, err := s.revisions.ListByWorkflow(r.Context(), id, activeFilter)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	summaries := make([]revisionSummary, 0, len(revisions))
	for _, rev := range revisions {
		summaries = append(summaries, revisionSummary{
			Namespace: rev.Namespace,
			ID:        rev.ID,
			Version:   rev.Version,
			Name:      rev.Name,
			Active:    rev.Active,
			CreatedAt: rev.CreatedAt,
			UpdatedAt: rev.UpdatedAt,
		})
	}

	body, err := yaml.Marshal(summaries)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeYAML(w, http.StatusOK, body)
}

// handleUpdateRevision replaces the mutable fields of an inactive revision.
func (s *Server) handleUpdateRevision(w http.ResponseWriter, r *http.Request) {
	id, ok := s.revisionID(w, r)
	if !ok {
		return
	}

	rws, ok := s.readRevisionDocument(w, r)
	if !ok {
		return
	}
	if rws.Revision.Namespace != id.Namespace || rws.Revision.ID != id.ID {
		writeError(w, r, s.logger, &errors.MalformedIdentifierError{
			Field: "id", Value: rws.Revision.WorkflowID().String(),
			Reason: fmt.Sprintf("document identity does not match path %s", id.WorkflowID.String()),
		})
		return
	}
	rws.Revision.Version = id.Version

	stored, err := s.revisions.UpdateInactive(r.Context(), rws)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeYAML(w, http.StatusOK, []byte(stored.Source))
}

// handleActivate sets active=true under the optimistic lock.
func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	s.setActive(w, r, true)
}

// handleDeactivate sets active=false under the optimistic lock.
func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	s.setActive(w, r, false)
}

func (s *Server) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	id, ok := s.revisionID(w, r)
	if !ok {
		return
	}

	raw := r.Header.Get(currentUpdatedAtHeader)
	if raw == "" {
		writeProblem(w, r, Problem{
			Title:  "Missing Header",
			Status: http.StatusBadRequest,
			Detail: fmt.Sprintf("%s header is required", currentUpdatedAtHeader),
		})
		return
	}
	expected, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		writeProblem(w, r, Problem{
			Title:  "Invalid Header",
			Status: http.StatusBadRequest,
			Detail: fmt.Sprintf("%s must be an ISO-8601 timestamp: %v", currentUpdatedAtHeader, err),
		})
		return
	}

	stored, err := s.revisions.SetActive(r.Context(), id, expected, active)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeYAML(w, http.StatusOK, []byte(stored.Source))
}

// handleDeleteRevision removes one inactive revision.
func (s *Server) handleDeleteRevision(w http.ResponseWriter, r *http.Request) {
	id, ok := s.revisionID(w, r)
	if !ok {
		return
	}
	if err := s.revisions.DeleteRevision(r.Context(), id); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteWorkflow removes every revision of a workflow. Deleting an
// unknown workflow succeeds.
func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id := workflow.WorkflowID{Namespace: r.PathValue("namespace"), ID: r.PathValue("id")}
	if err := id.Validate(); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	if err := s.revisions.DeleteWorkflow(r.Context(), id); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// documentMediaTypes are the Content-Type values accepted on workflow
// document uploads. JSON is included because every JSON document is a valid
// YAML document.
var documentMediaTypes = map[string]bool{
	"application/yaml":   true,
	"application/x-yaml": true,
	"text/yaml":          true,
	"application/json":   true,
}

// readRevisionDocument reads and parses the request body as a workflow
// document, reporting content type, parse and validation failures itself.
// The returned revision carries the body verbatim as its source.
func (s *Server) readRevisionDocument(w http.ResponseWriter, r *http.Request) (*workflow.RevisionWithSource, bool) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !documentMediaTypes[mediaType] {
		writeProblem(w, r, Problem{
			Title:  "Unsupported Content Type",
			Status: http.StatusBadRequest,
			Detail: fmt.Sprintf("workflow documents must be sent as application/yaml, got %q", r.Header.Get("Content-Type")),
		})
		return nil, false
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDocumentSize))
	if err != nil {
		writeProblem(w, r, Problem{
			Title:  "Invalid Request Body",
			Status: http.StatusBadRequest,
			Detail: err.Error(),
		})
		return nil, false
	}

	rev, err := document.Parse(body, document.WithValidation())
	if err != nil {
		writeError(w, r, s.logger, err)
		return nil, false
	}

	return &workflow.RevisionWithSource{Revision: *rev, Source: string(body)}, true
}

// revisionID extracts and validates the (namespace, id, version) path values.
func (s *Server) revisionID(w http.ResponseWriter, r *http.Request) (workflow.RevisionID, bool) {
	version, err := strconv.Atoi(r.PathValue("version"))
	if err != nil {
		writeError(w, r, s.logger, &errors.MalformedIdentifierError{
			Field: "version", Value: r.PathValue("version"), Reason: "must be a positive integer",
		})
		return workflow.RevisionID{}, false
	}

	id := workflow.RevisionID{
		WorkflowID: workflow.WorkflowID{Namespace: r.PathValue("namespace"), ID: r.PathValue("id")},
		Version:    version,
	}
	if err := id.Validate(); err != nil {
		writeError(w, r, s.logger, err)
		return workflow.RevisionID{}, false
	}
	return id, true
}

// revisionLocation builds the canonical URL path of a revision.
func revisionLocation(id workflow.RevisionID) string {
	return fmt.Sprintf("/api/workflows/%s/%s/%d", id.Namespace, id.ID, id.Version)
}

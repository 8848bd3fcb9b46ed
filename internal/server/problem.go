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
	stderrors "errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/fmeurisse/maestro-sub002/internal/log"
	"github.com/fmeurisse/maestro-sub002/pkg/errors"
)

// Problem is an RFC 7807 problem details document. InvalidParams is the
// extension member carried by parameter validation failures.
type Problem struct {
	Type          string              `json:"type"`
	Title         string              `json:"title"`
	Status        int                 `json:"status"`
	Detail        string              `json:"detail,omitempty"`
	Instance      string              `json:"instance,omitempty"`
	Timestamp     time.Time           `json:"timestamp"`
	InvalidParams []errors.ParamError `json:"invalidParams,omitempty"`
}

// writeProblem sends a problem document with the matching status code.
func writeProblem(w http.ResponseWriter, r *http.Request, p Problem) {
	if p.Type == "" {
		p.Type = "about:blank"
	}
	p.Instance = r.URL.Path
	p.Timestamp = time.Now().UTC()

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Default().Error("failed to write problem response", log.Error(err))
	}
}

// writeError maps a domain error to its problem response. Unrecognized errors
// become a generic 500; their detail is logged, not leaked.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var (
		malformed  *errors.MalformedIdentifierError
		parse      *errors.ParseError
		invalidRev *errors.InvalidRevisionError
		paramVal   *errors.ParameterValidationError
		notFound   *errors.NotFoundError
		exists     *errors.AlreadyExistsError
		activeConf *errors.ActiveConflictError
		lockConf   *errors.OptimisticLockConflictError
	)

	switch {
	case stderrors.As(err, &malformed):
		writeProblem(w, r, Problem{
			Title: "Malformed Identifier", Status: http.StatusBadRequest, Detail: malformed.Error(),
		})
	case stderrors.As(err, &parse):
		writeProblem(w, r, Problem{
			Title: "Invalid Document", Status: http.StatusBadRequest, Detail: parse.Error(),
		})
	case stderrors.As(err, &invalidRev):
		writeProblem(w, r, Problem{
			Title: "Invalid Revision", Status: http.StatusBadRequest, Detail: invalidRev.Error(),
		})
	case stderrors.As(err, &paramVal):
		writeProblem(w, r, Problem{
			Title: "Parameter Validation Failed", Status: http.StatusBadRequest,
			Detail:        paramVal.Error(),
			InvalidParams: paramVal.Params,
		})
	case stderrors.As(err, &notFound):
		writeProblem(w, r, Problem{
			Title: "Not Found", Status: http.StatusNotFound, Detail: notFound.Error(),
		})
	case stderrors.As(err, &exists):
		writeProblem(w, r, Problem{
			Title: "Already Exists", Status: http.StatusConflict, Detail: exists.Error(),
		})
	case stderrors.As(err, &activeConf):
		writeProblem(w, r, Problem{
			Title: "Active Revision Conflict", Status: http.StatusConflict, Detail: activeConf.Error(),
		})
	case stderrors.As(err, &lockConf):
		writeProblem(w, r, Problem{
			Title: "Optimistic Lock Conflict", Status: http.StatusConflict, Detail: lockConf.Error(),
		})
	default:
		logger.Error("request failed", slog.String("path", r.URL.Path), log.Error(err))
		writeProblem(w, r, Problem{
			Title: "Internal Server Error", Status: http.StatusInternalServerError,
		})
	}
}

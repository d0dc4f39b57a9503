package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/alem-hub/course-capacity/internal/application/command"
	"github.com/alem-hub/course-capacity/internal/application/query"
	"github.com/alem-hub/course-capacity/internal/domain/shared"
	"github.com/alem-hub/course-capacity/pkg/logger"
)

// ActorHeader names the account on whose authority a request is made.
// Without it the student in the request acts for themself.
const ActorHeader = "X-Actor-ID"

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH & STATUS HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleHealth handles the health check endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.deps.HealthChecker.Check(r.Context())
	if !status.Healthy {
		writeJSON(w, r, http.StatusServiceUnavailable, status)
		return
	}
	writeJSON(w, r, http.StatusOK, status)
}

// handleReady handles the readiness probe endpoint (for Kubernetes).
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	status := s.deps.HealthChecker.Check(r.Context())
	if !status.Ready {
		writeJSON(w, r, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"reason": status.Message,
		})
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
}

// handleLive handles the liveness probe endpoint (for Kubernetes).
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "alive"})
}

// ══════════════════════════════════════════════════════════════════════════════
// ENROLLMENT HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// EnrollResponse is returned by the enroll endpoint.
type EnrollResponse struct {
	Status       string    `json:"status"` // enrolled | waitlisted
	CourseID     string    `json:"course_id"`
	StudentID    string    `json:"student_id"`
	EnrollmentID string    `json:"enrollment_id,omitempty"`
	Position     int       `json:"position,omitempty"`
	At           time.Time `json:"at"`
}

// handleEnroll handles POST /api/v1/courses/{courseID}/enrollments.
// A granted seat answers 201, a waitlist place 202.
func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	params, ok := s.pathParams(w, r)
	if !ok {
		return
	}
	var req EnrollRequest
	if err := decodeBody(r, &req, false); err != nil {
		s.writeError(w, r, "enroll", err)
		return
	}

	res, err := s.deps.Enrollments.Enroll(r.Context(), command.EnrollCommand{
		StudentID: req.StudentID,
		CourseID:  params.CourseID,
		ActorID:   r.Header.Get(ActorHeader),
	})
	if err != nil {
		s.writeError(w, r, "enroll", err)
		return
	}

	resp := EnrollResponse{
		CourseID:  shared.NormalizeID(params.CourseID),
		StudentID: shared.NormalizeID(req.StudentID),
		At:        res.At,
	}
	status := http.StatusCreated
	if res.Enrolled {
		resp.Status = "enrolled"
		resp.EnrollmentID = res.EnrollmentID
	} else {
		resp.Status = "waitlisted"
		resp.Position = res.Position
		status = http.StatusAccepted
	}
	writeJSON(w, r, status, resp)
}

// ReleaseResponse is returned by the drop and complete endpoints.
type ReleaseResponse struct {
	EnrollmentID      string    `json:"enrollment_id"`
	Promoted          bool      `json:"promoted"`
	PromotedStudentID string    `json:"promoted_student_id,omitempty"`
	At                time.Time `json:"at"`
}

// handleDrop handles POST /api/v1/courses/{courseID}/enrollments/{studentID}/drop.
// When the actor is someone other than the student the request is an
// unenrollment and requires the actor to manage the course.
func (s *Server) handleDrop(w http.ResponseWriter, r *http.Request) {
	s.handleRelease(w, r, "drop", func(ctx context.Context, cmd command.DropCommand) (*command.DropResult, error) {
		actor := shared.NormalizeID(cmd.ActorID)
		if actor != "" && actor != shared.NormalizeID(cmd.StudentID) {
			return s.deps.Enrollments.Unenroll(ctx, cmd)
		}
		return s.deps.Enrollments.Drop(ctx, cmd)
	})
}

// handleComplete handles POST /api/v1/courses/{courseID}/enrollments/{studentID}/complete.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	s.handleRelease(w, r, "complete", s.deps.Enrollments.Complete)
}

func (s *Server) handleRelease(
	w http.ResponseWriter,
	r *http.Request,
	op string,
	release func(ctx context.Context, cmd command.DropCommand) (*command.DropResult, error),
) {
	params, ok := s.pathParams(w, r)
	if !ok {
		return
	}
	var req DropRequest
	if err := decodeBody(r, &req, true); err != nil {
		s.writeError(w, r, op, err)
		return
	}

	res, err := release(r.Context(), command.DropCommand{
		StudentID: params.StudentID,
		CourseID:  params.CourseID,
		ActorID:   r.Header.Get(ActorHeader),
		Reason:    req.Reason,
	})
	if err != nil {
		s.writeError(w, r, op, err)
		return
	}

	writeJSON(w, r, http.StatusOK, ReleaseResponse{
		EnrollmentID:      res.EnrollmentID,
		Promoted:          res.Promoted,
		PromotedStudentID: res.PromotedStudentID,
		At:                res.At,
	})
}

// handleRemoveFromWaitlist handles DELETE /api/v1/courses/{courseID}/waitlist/{studentID}.
func (s *Server) handleRemoveFromWaitlist(w http.ResponseWriter, r *http.Request) {
	params, ok := s.pathParams(w, r)
	if !ok {
		return
	}

	res, err := s.deps.Enrollments.RemoveFromWaitlist(r.Context(), command.RemoveFromWaitlistCommand{
		StudentID: params.StudentID,
		CourseID:  params.CourseID,
		ActorID:   r.Header.Get(ActorHeader),
	})
	if err != nil {
		s.writeError(w, r, "remove_from_waitlist", err)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"withdrawn_position": res.Position,
		"at":                 res.At,
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// READ HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleGetCapacity handles GET /api/v1/courses/{courseID}/capacity.
func (s *Server) handleGetCapacity(w http.ResponseWriter, r *http.Request) {
	if s.deps.Capacity == nil {
		writeJSONError(w, r, http.StatusNotImplemented, "not_implemented", "Capacity query not configured")
		return
	}
	params, ok := s.pathParams(w, r)
	if !ok {
		return
	}

	dto, err := s.deps.Capacity.Handle(r.Context(), query.GetCourseCapacityQuery{CourseID: params.CourseID})
	if err != nil {
		s.writeError(w, r, "get_capacity", err)
		return
	}
	writeJSON(w, r, http.StatusOK, dto)
}

// handleGetWaitlist handles GET /api/v1/courses/{courseID}/waitlist.
func (s *Server) handleGetWaitlist(w http.ResponseWriter, r *http.Request) {
	if s.deps.Waitlist == nil {
		writeJSONError(w, r, http.StatusNotImplemented, "not_implemented", "Waitlist query not configured")
		return
	}
	params, ok := s.pathParams(w, r)
	if !ok {
		return
	}

	dto, err := s.deps.Waitlist.Handle(r.Context(), query.GetWaitlistQuery{CourseID: params.CourseID})
	if err != nil {
		s.writeError(w, r, "get_waitlist", err)
		return
	}
	writeJSONWithMeta(w, r, http.StatusOK, dto, &ResponseMeta{TotalCount: len(dto.Entries)})
}

// handleCheckEligibility handles GET /api/v1/courses/{courseID}/eligibility/{studentID}.
func (s *Server) handleCheckEligibility(w http.ResponseWriter, r *http.Request) {
	if s.deps.Eligibility == nil {
		writeJSONError(w, r, http.StatusNotImplemented, "not_implemented", "Eligibility query not configured")
		return
	}
	params, ok := s.pathParams(w, r)
	if !ok {
		return
	}

	dto, err := s.deps.Eligibility.Handle(r.Context(), query.CheckEligibilityQuery{
		StudentID: params.StudentID,
		CourseID:  params.CourseID,
	})
	if err != nil {
		s.writeError(w, r, "check_eligibility", err)
		return
	}
	writeJSON(w, r, http.StatusOK, dto)
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// pathParams reads and validates the identifiers in the URL.
func (s *Server) pathParams(w http.ResponseWriter, r *http.Request) (pathParams, bool) {
	p := pathParams{
		CourseID:  r.PathValue("courseID"),
		StudentID: r.PathValue("studentID"),
	}
	if err := validateStruct(&p); err != nil {
		s.writeError(w, r, "path", err)
		return p, false
	}
	return p, true
}

// errorStatus maps enrollment failures to HTTP statuses.
var errorStatus = map[string]int{
	"course_not_available":  http.StatusConflict,
	"already_enrolled":      http.StatusConflict,
	"already_waitlisted":    http.StatusConflict,
	"prerequisites_not_met": http.StatusUnprocessableEntity,
	"invalid_student":       http.StatusUnprocessableEntity,
	"not_enrolled":          http.StatusNotFound,
	"not_on_waitlist":       http.StatusNotFound,
	"unauthorized":          http.StatusForbidden,
	"course_not_found":      http.StatusNotFound,
	"user_not_found":        http.StatusNotFound,
}

// statusFor returns the HTTP status and public code for err.
func statusFor(err error) (int, string) {
	code := shared.CodeOf(err)
	if status, ok := errorStatus[code]; ok {
		return status, code
	}

	switch {
	case shared.IsValidation(err):
		if code == "" {
			code = "invalid_input"
		}
		return http.StatusBadRequest, code
	case shared.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, shared.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, shared.ErrPrecondition):
		return http.StatusUnprocessableEntity, "precondition_failed"
	case shared.IsAlreadyExists(err):
		return http.StatusConflict, "conflict"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case shared.IsRetryable(err):
		return http.StatusServiceUnavailable, "temporarily_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// writeError writes err as an API error. Typed failures keep their message;
// anything else is logged and hidden behind a generic one.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var verr *validationError
	if errors.As(err, &verr) {
		writeAPIError(w, r, http.StatusBadRequest, &APIError{
			Code:    "invalid_request",
			Message: verr.message,
			Fields:  verr.fields,
		})
		return
	}

	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("request failed",
			logger.Operation(op),
			logger.Err(err),
		)
		writeJSONError(w, r, status, code, http.StatusText(status))
		return
	}

	message := err.Error()
	var de *shared.DomainError
	if errors.As(err, &de) {
		message = de.Message
	}
	writeJSONError(w, r, status, code, message)
}

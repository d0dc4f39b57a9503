// Package shared holds the types every domain package uses: error kinds and
// the DomainError carrying them, seat events, and small value objects.
package shared

import "errors"

// Error kinds. Transports map a failure to a status by kind, so every
// DomainError names one.
var (
	ErrNotFound               = errors.New("not found")
	ErrAlreadyExists          = errors.New("already exists")
	ErrInvalidInput           = errors.New("invalid input")
	ErrStateTransition        = errors.New("invalid state transition")
	ErrPrecondition           = errors.New("precondition failed")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrCapacityExceeded       = errors.New("capacity exceeded")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrServiceUnavailable     = errors.New("service unavailable")
)

// DomainError is a failure of a domain operation. Code is stable and safe to
// show to clients; Message is for humans.
type DomainError struct {
	Domain  string
	Op      string
	Kind    error
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	msg := e.Domain + "." + e.Op + ": " + e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the cause, or the kind when there is none.
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is matches another DomainError with the same code, which lets a copy made
// by WithReason still match its sentinel, and also matches the kind.
func (e *DomainError) Is(target error) bool {
	if t, ok := target.(*DomainError); ok && t.Code != "" && t.Code == e.Code {
		return true
	}
	return e.Kind != nil && errors.Is(e.Kind, target)
}

// WithReason returns a copy with a more specific message.
func (e *DomainError) WithReason(message string) *DomainError {
	cp := *e
	cp.Message = message
	return &cp
}

func NewDomainError(domain, op string, kind error, code, message string) *DomainError {
	return &DomainError{Domain: domain, Op: op, Kind: kind, Code: code, Message: message}
}

// WrapError attaches a cause. The result has no code.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{Domain: domain, Op: op, Kind: kind, Message: message, Err: err}
}

// ─────────────────────────────────────────────────────────────────────────────
// Enrollment failures
// ─────────────────────────────────────────────────────────────────────────────

var (
	ErrCourseNotAvailable  = NewDomainError("enrollment", "CheckEligibility", ErrPrecondition, "course_not_available", "course is not open for enrollment")
	ErrAlreadyEnrolled     = NewDomainError("enrollment", "CheckEligibility", ErrAlreadyExists, "already_enrolled", "student is already enrolled in this course")
	ErrAlreadyWaitlisted   = NewDomainError("enrollment", "CheckEligibility", ErrAlreadyExists, "already_waitlisted", "student is already on the waitlist for this course")
	ErrPrerequisitesNotMet = NewDomainError("enrollment", "CheckEligibility", ErrPrecondition, "prerequisites_not_met", "student has not completed the prerequisite courses")
	ErrNotEnrolled         = NewDomainError("enrollment", "Drop", ErrNotFound, "not_enrolled", "student is not actively enrolled in this course")
	ErrNotOnWaitlist       = NewDomainError("waitlist", "Remove", ErrNotFound, "not_on_waitlist", "student is not on the waitlist for this course")
	ErrUnauthorizedActor   = NewDomainError("enrollment", "Authorize", ErrUnauthorized, "unauthorized", "actor is not allowed to manage enrollments for this course")
	ErrInvalidStudent      = NewDomainError("enrollment", "Enroll", ErrInvalidInput, "invalid_student", "user is not an active student")

	// ErrCapacityRaceLost never reaches clients: a seat claim that loses to
	// a concurrent claim turns into a waitlist enqueue.
	ErrCapacityRaceLost = NewDomainError("enrollment", "ClaimSeat", ErrCapacityExceeded, "capacity_race_lost", "seat was taken by a concurrent enrollment")
)

// Lookup failures of the stores and collaborators.
var (
	ErrCourseNotFound      = NewDomainError("course", "Find", ErrNotFound, "course_not_found", "course not found")
	ErrUserNotFound        = NewDomainError("user", "Find", ErrNotFound, "user_not_found", "user not found")
	ErrEnrollmentNotFound  = NewDomainError("enrollment", "Find", ErrNotFound, "enrollment_not_found", "enrollment not found")
	ErrWaitlistEntryAbsent = NewDomainError("waitlist", "Find", ErrNotFound, "waitlist_entry_not_found", "waitlist entry not found")
)

func IsNotFound(err error) bool      { return errors.Is(err, ErrNotFound) }
func IsAlreadyExists(err error) bool { return errors.Is(err, ErrAlreadyExists) }
func IsValidation(err error) bool    { return errors.Is(err, ErrInvalidInput) }

// IsRetryable reports failures that may succeed if the request is repeated.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) || errors.Is(err, ErrConcurrentModification)
}

// CodeOf returns the code of the first DomainError in err's chain.
func CodeOf(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}


package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

// ══════════════════════════════════════════════════════════════════════════════
// REQUEST VALIDATION
// ══════════════════════════════════════════════════════════════════════════════

var (
	validate   *validator.Validate
	translator ut.Translator

	notBlankTag = "notblank"
)

func init() {
	validate = validator.New()

	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ = uni.GetTranslator("en")
	_ = en_translations.RegisterDefaultTranslations(validate, translator)

	// Report JSON field names instead of Go struct names.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = validate.RegisterValidation(notBlankTag, func(fl validator.FieldLevel) bool {
		s, ok := fl.Field().Interface().(string)
		return ok && strings.TrimSpace(s) != ""
	})
	_ = validate.RegisterTranslation(notBlankTag, translator,
		func(ut.Translator) error { return nil },
		func(_ ut.Translator, fe validator.FieldError) string {
			return fe.Field() + " cannot be blank"
		},
	)
}

// ─────────────────────────────────────────────────────────────────────────────
// Request DTOs
// ─────────────────────────────────────────────────────────────────────────────

// EnrollRequest is the body of POST /courses/{courseID}/enrollments.
type EnrollRequest struct {
	StudentID string `json:"student_id" validate:"notblank,max=128"`
}

// DropRequest is the optional body of the drop and complete endpoints.
type DropRequest struct {
	Reason string `json:"reason" validate:"max=1000"`
}

// pathParams are the identifiers taken from the URL.
type pathParams struct {
	CourseID  string `json:"course_id" validate:"notblank,max=128"`
	StudentID string `json:"student_id" validate:"omitempty,max=128"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Decoding
// ─────────────────────────────────────────────────────────────────────────────

// validationError carries per-field messages for a 400 response.
type validationError struct {
	message string
	fields  map[string]string
}

func (e *validationError) Error() string { return e.message }

// decodeBody reads a JSON body into dst and validates it. An empty body is
// accepted when allowEmpty is set.
func decodeBody(r *http.Request, dst interface{}, allowEmpty bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) && allowEmpty {
			return validateStruct(dst)
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return &validationError{message: "request body too large"}
		}
		return &validationError{message: fmt.Sprintf("invalid JSON body: %v", err)}
	}
	if dec.More() {
		return &validationError{message: "request body must contain a single JSON object"}
	}
	return validateStruct(dst)
}

// validateStruct runs the struct tags and translates failures.
func validateStruct(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &validationError{message: err.Error()}
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Translate(translator)
	}
	return &validationError{message: "request validation failed", fields: fields}
}

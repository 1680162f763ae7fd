package httpapi

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"classroom/internal/attendance"
)

var validatorsOnce sync.Once

// registerValidators installs the domain enum checks on gin's validator and
// reports fields by their json name.
func registerValidators() {
	validatorsOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		_ = v.RegisterValidation("session_type", func(fl validator.FieldLevel) bool {
			return attendance.SessionType(fl.Field().String()).Valid()
		})
		_ = v.RegisterValidation("attendance_status", func(fl validator.FieldLevel) bool {
			return attendance.Status(fl.Field().String()).Valid()
		})
	})
}

// bindError turns gin binding failures into the engine's validation error.
func bindError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]attendance.FieldError, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, attendance.FieldError{Field: fe.Field(), Error: tagMessage(fe)})
		}
		return attendance.NewValidationError(fields...)
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return attendance.NewValidationError(attendance.FieldError{Field: typeErr.Field, Error: "must be a " + typeErr.Type.String()})
	}
	return attendance.NewValidationError(attendance.FieldError{Field: "body", Error: "malformed request body"})
}

func tagMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "session_type":
		return "must be one of lecture, lab, tutorial, seminar, practical"
	case "attendance_status":
		return "must be one of present, late, absent, excused"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	default:
		return "failed on the " + fe.Tag() + " rule"
	}
}

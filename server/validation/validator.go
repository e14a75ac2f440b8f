package validation

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/teilomillet/formulate/errors"
)

// maxBodyBytes bounds request bodies before decoding.
const maxBodyBytes = 1 << 20

// FieldError describes one invalid field.
type FieldError struct {
	Field   string `json:"field"`           // The field that failed validation
	Message string `json:"message"`         // Human-readable error message
	Code    string `json:"code"`            // Machine-readable error code
	Value   string `json:"value,omitempty"` // The invalid value (if safe to return)
}

// Validator decodes request bodies, checks them against their struct tags
// and enforces the context token budget.
type Validator struct {
	validate  *validator.Validate
	counter   *TokenCounter
	maxTokens int
}

// New creates a Validator. A maxContextTokens of zero disables the budget.
func New(counter *TokenCounter, maxContextTokens int) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	if counter == nil {
		counter = ApproximateTokenCounter()
	}
	return &Validator{validate: v, counter: counter, maxTokens: maxContextTokens}
}

// Decode reads the JSON body of r into dst and validates it. dst must be a
// pointer to one of this package's request types.
func (v *Validator) Decode(r *http.Request, requestID string, dst any) *errors.ServiceError {
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != "application/json" {
		return errors.NewError(errors.ValidationError, "Invalid or missing Content-Type header",
			http.StatusBadRequest, requestID,
			details(FieldError{
				Field:   "header:Content-Type",
				Message: "Content-Type must be application/json",
				Code:    "invalid_content_type",
				Value:   r.Header.Get("Content-Type"),
			}), nil)
	}

	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		return errors.NewError(errors.ValidationError, "Invalid request format",
			http.StatusBadRequest, requestID,
			details(FieldError{Field: "body", Message: err.Error(), Code: "invalid_json"}), err)
	}

	return v.Struct(dst, requestID)
}

// Struct validates an already decoded request.
func (v *Validator) Struct(req any, requestID string) *errors.ServiceError {
	if err := v.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if !stderrors.As(err, &verrs) {
			return errors.NewInternalError(requestID, err)
		}
		fields := make([]FieldError, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fieldError(fe))
		}
		return errors.NewError(errors.ValidationError, "Request validation failed",
			http.StatusUnprocessableEntity, requestID, details(fields...), err)
	}

	if b, ok := req.(budgeted); ok && v.maxTokens > 0 {
		if total, err := v.counter.Check(v.maxTokens, b.texts()...); err != nil {
			return errors.NewError(errors.ValidationError, "Token limit exceeded",
				http.StatusUnprocessableEntity, requestID,
				details(FieldError{
					Field:   "messages",
					Message: fmt.Sprintf("request uses %d tokens, limit is %d", total, v.maxTokens),
					Code:    "token_limit_exceeded",
					Value:   fmt.Sprintf("%d", v.maxTokens),
				}), err)
		}
	}
	return nil
}

func details(fields ...FieldError) map[string]interface{} {
	return map[string]interface{}{"errors": fields}
}

func fieldError(fe validator.FieldError) FieldError {
	// Drop the struct name so the path reads like the JSON body.
	field := fe.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}

	var msg string
	switch fe.Tag() {
	case "required":
		msg = fmt.Sprintf("field '%s' is required", fe.Field())
	case "oneof":
		msg = fmt.Sprintf("%s must be one of: %s", fe.Field(), strings.ReplaceAll(fe.Param(), " ", ", "))
	case "min":
		msg = fmt.Sprintf("%s must contain at least %s item(s)", fe.Field(), fe.Param())
	default:
		msg = fmt.Sprintf("validation failed: %s", fe.Error())
	}

	return FieldError{
		Field:   field,
		Message: msg,
		Code:    fe.Tag() + "_validation_failed",
		Value:   fmt.Sprintf("%v", fe.Value()),
	}
}

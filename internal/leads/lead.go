// Package leads records recruiter leads. A lead is validated once,
// stamped with an ID and timestamp, appended to every configured sink,
// and never modified afterwards.
package leads

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrMissingLeadFields matches any *MissingFieldsError.
var ErrMissingLeadFields = errors.New("missing lead fields")

// ErrNotFound is returned when a lead ID is not in the store.
var ErrNotFound = errors.New("lead not found")

// Lead is one recorded recruiter contact.
type Lead struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	RecruiterName string    `json:"recruiter_name" validate:"required"`
	Company       string    `json:"company" validate:"required"`
	Role          string    `json:"role" validate:"required"`
	Contact       string    `json:"contact" validate:"required"`
	Notes         string    `json:"notes,omitempty"`
	Session       string    `json:"session,omitempty"`
}

// RequiredFields lists the fields a complete lead must carry.
var RequiredFields = []string{"recruiter_name", "company", "role", "contact"}

// MissingFieldsError lists required fields that were absent or blank.
type MissingFieldsError struct {
	Fields []string
}

// Error implements the error interface.
func (e *MissingFieldsError) Error() string {
	return "missing fields for recruiter lead: " + strings.Join(e.Fields, ", ")
}

// Is matches ErrMissingLeadFields.
func (e *MissingFieldsError) Is(target error) bool { return target == ErrMissingLeadFields }

// MissingFields returns the missing field names.
func (e *MissingFieldsError) MissingFields() []string { return e.Fields }

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate reports every missing required field at once.
func (l *Lead) Validate() error {
	err := validate.Struct(l)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate lead: %w", err)
	}
	missing := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		missing = append(missing, fe.Field())
	}
	return &MissingFieldsError{Fields: missing}
}

// FromFields builds a lead from loosely typed tool arguments. Strings
// are trimmed, so whitespace-only values count as missing. Non-string
// scalars are formatted.
func FromFields(fields map[string]any) Lead {
	return Lead{
		RecruiterName: text(fields, "recruiter_name"),
		Company:       text(fields, "company"),
		Role:          text(fields, "role"),
		Contact:       text(fields, "contact"),
		Notes:         text(fields, "notes"),
	}
}

func text(fields map[string]any, key string) string {
	switch v := fields[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case map[string]any, []any:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// Fields returns the lead as a flat map using wire names.
func (l Lead) Fields() map[string]any {
	return map[string]any{
		"recruiter_name": l.RecruiterName,
		"company":        l.Company,
		"role":           l.Role,
		"contact":        l.Contact,
		"notes":          l.Notes,
	}
}

type sessionKey struct{}

// WithSession returns a context carrying the chat session ID, which is
// stored on any lead logged under it.
func WithSession(ctx context.Context, session string) context.Context {
	return context.WithValue(ctx, sessionKey{}, session)
}

func sessionFrom(ctx context.Context) string {
	s, _ := ctx.Value(sessionKey{}).(string)
	return s
}

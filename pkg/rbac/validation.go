package rbac

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report json names so errors line up with request bodies.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	v.RegisterValidation("enum", func(fl validator.FieldLevel) bool {
		e, ok := fl.Field().Interface().(interface{ Valid() bool })
		return ok && e.Valid()
	})

	return v
}

// checkStruct runs the struct tag rules and converts failures into
// ValidationErrors for entity.
func checkStruct(entity string, s interface{}) ValidationErrors {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return ValidationErrors{{Entity: entity, Code: CodeInvalid, Message: err.Error()}}
	}

	out := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, &ValidationError{
			Entity:  entity,
			Field:   fe.Field(),
			Code:    tagCode(fe.Tag()),
			Message: tagMessage(fe),
		})
	}
	return out
}

func tagCode(tag string) string {
	switch tag {
	case "required":
		return CodeRequired
	case "max":
		return CodeTooLong
	case "gtfield":
		return CodeInvalidWindow
	case "nefield":
		return CodeSelfReference
	}
	return CodeInvalid
}

func tagMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s long", fe.Param())
	case "min":
		return fmt.Sprintf("must contain at least %s item(s)", fe.Param())
	case "gtfield":
		return fmt.Sprintf("must be after %s", fe.Param())
	case "nefield":
		return fmt.Sprintf("must differ from %s", fe.Param())
	case "enum":
		return fmt.Sprintf("unknown value %q", fmt.Sprint(fe.Value()))
	}
	return fmt.Sprintf("failed %s rule", fe.Tag())
}

func finish(errs ValidationErrors) error {
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func checkJSON(entity, field string, raw json.RawMessage) *ValidationError {
	if len(raw) == 0 {
		return nil
	}
	if !json.Valid(raw) {
		return &ValidationError{Entity: entity, Field: field, Code: CodeInvalidJSON, Message: "must be valid JSON"}
	}
	return nil
}

// ValidateRole checks a role's fields and invariants.
func ValidateRole(r *Role) error {
	errs := checkStruct("role", r)
	if strings.TrimSpace(r.Name) == "" && !errs.Has(CodeRequired) {
		errs = append(errs, &ValidationError{Entity: "role", Field: "name", Code: CodeRequired, Message: "is required"})
	}
	if r.IsSystemRole && r.RoleType != RoleTypeSystem {
		errs = append(errs, &ValidationError{Entity: "role", Field: "role_type", Code: CodeSystemRole, Message: "system roles must have role_type system"})
	}
	if r.ParentRoleID != nil && *r.ParentRoleID == r.ID && r.ID != "" {
		errs = append(errs, &ValidationError{Entity: "role", Field: "parent_role_id", Code: CodeSelfReference, Message: "a role cannot be its own parent"})
	}
	return finish(errs)
}

// ValidatePermission checks a permission's fields, its non-empty action set
// and that any conditions or filters parse as JSON.
func ValidatePermission(p *Permission) error {
	errs := checkStruct("permission", p)
	if e := checkJSON("permission", "conditions", p.Conditions); e != nil {
		errs = append(errs, e)
	}
	if e := checkJSON("permission", "resource_filters", p.ResourceFilters); e != nil {
		errs = append(errs, e)
	}
	return finish(errs)
}

// ValidateEdge checks a hierarchy edge. Cycle detection needs the graph and
// happens in AddEdge.
func ValidateEdge(e *RoleHierarchy) error {
	errs := checkStruct("role_hierarchy", e)
	if e.ParentRoleID != "" && e.ParentRoleID == e.ChildRoleID {
		errs = append(errs, &ValidationError{Entity: "role_hierarchy", Field: "child_role_id", Code: CodeSelfReference, Message: "parent and child must differ"})
	}
	if ce := checkJSON("role_hierarchy", "conditions", e.Conditions); ce != nil {
		errs = append(errs, ce)
	}
	return finish(errs)
}

// ValidateAssignment checks a user role assignment.
func ValidateAssignment(a *UserRole) error {
	errs := checkStruct("user_role", a)
	if a.ExpiresAt != nil && !a.ExpiresAt.After(a.EffectiveFrom) {
		errs = append(errs, &ValidationError{Entity: "user_role", Field: "expires_at", Code: CodeInvalidWindow, Message: "must be after effective_from"})
	}
	if e := checkJSON("user_role", "conditions", a.Conditions); e != nil {
		errs = append(errs, e)
	}
	return finish(errs)
}

// ValidateElevation checks an elevation request. end_time must be strictly
// after start_time.
func ValidateElevation(e *TempRoleElevation) error {
	errs := checkStruct("temp_role_elevation", e)
	if e.ApprovalDeadline != nil && e.ApprovalDeadline.After(e.EndTime) {
		errs = append(errs, &ValidationError{Entity: "temp_role_elevation", Field: "approval_deadline", Code: CodeInvalidWindow, Message: "must not be after end_time"})
	}
	return finish(errs)
}

// validateForward rejects an expiry that does not move strictly later.
func validateForward(entity string, current *time.Time, next time.Time) error {
	if current != nil && !next.After(*current) {
		return NewValidationError(entity, "expires_at", CodeNotForward,
			fmt.Sprintf("new expiry %s must be after current expiry %s", next.Format(time.RFC3339), current.Format(time.RFC3339)))
	}
	return nil
}

package store

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/conneroisu/snipbox/internal/errors"
)

// Length limits, in characters, of user supplied names.
const (
	ComponentNameMax  = 100
	ProjectNameMax    = 100
	ProjectDescMax    = 500
	TagNameMax        = 50
	minimumNameLength = 1
)

func checkName(vec *errors.ValidationErrorCollection, field, value string, max int) {
	n := utf8.RuneCountInString(strings.TrimSpace(value))
	switch {
	case n < minimumNameLength:
		vec.AddField(field, value, "is required")
	case n > max:
		vec.AddField(field, n, "must be at most "+strconv.Itoa(max)+" characters")
	}
}

// ValidateComponentInput checks a new component.
func ValidateComponentInput(in ComponentInput) error {
	vec := &errors.ValidationErrorCollection{}
	checkName(vec, "name", in.Name, ComponentNameMax)
	return toError(vec)
}

// ValidateComponentUpdate checks the fields an update sets.
func ValidateComponentUpdate(upd ComponentUpdate) error {
	vec := &errors.ValidationErrorCollection{}
	if upd.Name != nil {
		checkName(vec, "name", *upd.Name, ComponentNameMax)
	}
	return toError(vec)
}

// ValidateProjectInput checks a new project.
func ValidateProjectInput(in ProjectInput) error {
	vec := &errors.ValidationErrorCollection{}
	checkName(vec, "name", in.Name, ProjectNameMax)
	checkDescription(vec, in.Description)
	return toError(vec)
}

// ValidateProjectUpdate checks the fields an update sets.
func ValidateProjectUpdate(upd ProjectUpdate) error {
	vec := &errors.ValidationErrorCollection{}
	if upd.Name != nil {
		checkName(vec, "name", *upd.Name, ProjectNameMax)
	}
	if upd.Description != nil {
		checkDescription(vec, *upd.Description)
	}
	return toError(vec)
}

// ValidateTagInput checks a new tag.
func ValidateTagInput(in TagInput) error {
	vec := &errors.ValidationErrorCollection{}
	checkName(vec, "name", in.Name, TagNameMax)
	return toError(vec)
}

func checkDescription(vec *errors.ValidationErrorCollection, desc string) {
	if n := utf8.RuneCountInString(desc); n > ProjectDescMax {
		vec.AddField("description", n, "must be at most "+strconv.Itoa(ProjectDescMax)+" characters")
	}
}

// toError keeps a nil *errors.Error from becoming a non-nil error.
func toError(vec *errors.ValidationErrorCollection) error {
	if err := vec.ToError(); err != nil {
		return err
	}
	return nil
}

// Lumiderm - Facial Skin Condition Analysis Engine
// Copyright 2026 Lumiderm Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lumiderm/lumiderm

// Package validation wraps go-playground/validator v10 behind a
// thread-safe singleton used by the API layer and the config loader.
package validation

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// FieldError is one failed validation constraint.
type FieldError struct {
	Field string `json:"field"`
	Tag   string `json:"tag"`
	Param string `json:"param,omitempty"`
}

func (e FieldError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("%s failed %s=%s", e.Field, e.Tag, e.Param)
	}
	return fmt.Sprintf("%s failed %s", e.Field, e.Tag)
}

// Error aggregates every field failure from one struct validation.
type Error struct {
	Fields []FieldError `json:"fields"`
}

func (e *Error) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validator returns the singleton instance. Struct metadata is cached
// inside it, so reuse matters.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Struct validates s against its struct tags. Returns nil on success or
// *Error carrying every failed field.
func Struct(s interface{}) *Error {
	err := Validator().Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &Error{Fields: []FieldError{{Field: "struct", Tag: "invalid"}}}
	}

	fields := make([]FieldError, len(verrs))
	for i, fe := range verrs {
		fields[i] = FieldError{Field: fe.Field(), Tag: fe.Tag(), Param: fe.Param()}
	}
	return &Error{Fields: fields}
}

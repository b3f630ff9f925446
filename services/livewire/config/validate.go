// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/mod/module"

	"github.com/AleutianAI/livewire/services/livewire/deps"
)

var (
	locationPattern = regexp.MustCompile(`^.+:[1-9][0-9]*$`)
	identPattern    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// configValidate is initialized in init() with the custom rules.
var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
	_ = configValidate.RegisterValidation("modpath", validateModPath)
	_ = configValidate.RegisterValidation("modversion", validateModVersion)
	_ = configValidate.RegisterValidation("location", validateLocation)
	_ = configValidate.RegisterValidation("ident", validateIdent)
}

func validateModPath(fl validator.FieldLevel) bool {
	return module.CheckPath(fl.Field().String()) == nil
}

func validateModVersion(fl validator.FieldLevel) bool {
	_, err := deps.CanonicalVersion(fl.Field().String())
	return err == nil
}

func validateLocation(fl validator.FieldLevel) bool {
	return locationPattern.MatchString(fl.Field().String())
}

func validateIdent(fl validator.FieldLevel) bool {
	return identPattern.MatchString(fl.Field().String())
}

// Validate checks a configuration against its struct rules. Failures wrap
// ErrInvalidConfig and list every offending field.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: nil configuration", ErrInvalidConfig)
	}
	err := configValidate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "modpath":
		return fmt.Sprintf("%s: %q is not a module path", fe.Namespace(), fe.Value())
	case "modversion":
		return fmt.Sprintf("%s: %q is not a version or %q", fe.Namespace(), fe.Value(), deps.Latest)
	case "location":
		return fmt.Sprintf("%s: %q is not file:line", fe.Namespace(), fe.Value())
	case "ident":
		return fmt.Sprintf("%s: %q is not an import name", fe.Namespace(), fe.Value())
	case "required":
		return fmt.Sprintf("%s is required", fe.Namespace())
	}
	return fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag())
}

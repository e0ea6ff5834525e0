// Sessionwatch - Plex Activity Monitoring and Notification Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionwatch

package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is shared; validator instances cache struct metadata.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration for structural errors. Validation
// failures are fatal at startup: a misconfigured reconciler would
// silently mistrack sessions.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			return fmt.Errorf("invalid configuration struct: %w", err)
		}

		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("invalid configuration: %s", describeFieldErrors(verrs))
		}
		return err
	}

	return c.validateCrossField()
}

// validateCrossField covers constraints the tag grammar cannot express.
func (c *Config) validateCrossField() error {
	for i := range c.Notify.Agents {
		a := &c.Notify.Agents[i]
		if a.Type == "webhook" && a.URL == "" {
			return fmt.Errorf("notify agent %q: webhook agents require a url", a.ID)
		}
	}

	if c.Activity.AntiFlickerWindow >= 2*c.Activity.PollInterval {
		return fmt.Errorf("activity.anti_flicker_window (%s) must be below twice the poll interval (%s)",
			c.Activity.AntiFlickerWindow, c.Activity.PollInterval)
	}

	return nil
}

func describeFieldErrors(verrs validator.ValidationErrors) string {
	msg := ""
	for i, fe := range verrs {
		if i > 0 {
			msg += "; "
		}
		msg += fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag())
	}
	return msg
}

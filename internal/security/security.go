// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

// Package security hardens the process that holds session keys.
package security

import (
	"log/slog"

	"github.com/aplane-algo/pkpauth/internal/logging"
)

// Harden disables core dumps and locks memory against swapping. Failures
// are logged and otherwise ignored; the returned slice lists them.
func Harden(log *slog.Logger) []error {
	log = logging.Or(log)
	var errs []error
	if err := DisableCoreDumps(); err != nil {
		log.Warn("core dumps remain enabled", "error", err)
		errs = append(errs, err)
	}
	if err := LockMemory(); err != nil {
		log.Debug("memory not locked", "error", err)
		errs = append(errs, err)
	}
	return errs
}

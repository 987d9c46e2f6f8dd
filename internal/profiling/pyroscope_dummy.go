// SPDX-FileCopyrightText: Copyright (C) 2025  The Crossbear Authors
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !pyroscope
// +build !pyroscope

// Package profiling optionally attaches the process to a Pyroscope server.
package profiling

import "gopkg.in/op/go-logging.v1"

// Start does nothing unless built with the pyroscope tag.
func Start(log *logging.Logger) error {
	log.Debug("Pyroscope is disabled")
	return nil
}

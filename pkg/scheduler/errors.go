// Copyright 2026 The Ceramic Anchor Service Authors
//
// Scheduler package errors

package scheduler

import "errors"

var errNilService = errors.New("scheduler: anchor service cannot be nil")

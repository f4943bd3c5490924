// Package errors provides error handling for loopnode.
//
// This package re-exports github.com/cockroachdb/errors, providing stack
// traces, error wrapping and inspection helpers. It also owns the per-state
// error map the node reports to the Learning Loop with every status heartbeat
// (see Map).
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// Error inspection
var (
	Is     = crdb.Is
	IsAny  = crdb.IsAny
	As     = crdb.As
	Unwrap = crdb.Unwrap
)

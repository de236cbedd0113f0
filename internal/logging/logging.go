// Copyright 2026 The cros Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package logging is the thin structured-logging seam every subsystem in
// this tree logs through. The teacher threads a leveled logger
// (v.io/x/lib/vlog) through every package constructor; we carry that same
// idiom with go.uber.org/zap (see SPEC_FULL.md §2.1).
package logging

import (
	"os"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a development-friendly *zap.Logger: human-readable console
// output, Debug level enabled. Production embedders are expected to build
// their own *zap.Logger (e.g. zap.NewProduction()) and pass it to NewNode
// instead of relying on this helper.
func New() *zap.Logger {
	l, err := zap.NewDevelopment()
	if err != nil {
		// zap.NewDevelopment only fails on a broken encoder config, which
		// cannot happen with the zero-value config it uses internally.
		panic(err)
	}
	return l
}

// Nop returns a logger that discards everything, for tests that don't want
// console noise.
func Nop() *zap.Logger {
	return zap.NewNop()
}

// NewCLI builds a production zap.Logger for a command-line host process,
// switching between a colorized console encoder when stderr is a real
// terminal (mattn/go-isatty) and JSON otherwise, matching the teacher's
// convention of prettifying output for an interactive shell without
// changing it for log aggregation.
func NewCLI() *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if isatty.IsTerminal(os.Stderr.Fd()) {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), zap.NewAtomicLevelAt(zapcore.InfoLevel))
	return zap.New(core)
}

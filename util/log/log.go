// Copyright 2024 The RegionDB Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package log provides context-aware leveled logging for the tool. Messages
// are prefixed with the tags carried by the context (region id, store dir,
// command) so every line names the entity it concerns.
package log

import (
	"context"
	"fmt"
	"os"

	"github.com/cockroachdb/logtags"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	logger   = newLogger()
)

func newLogger() *zap.SugaredLogger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		logLevel,
	)
	return zap.New(core).Sugar()
}

// SetVerbose lowers the log threshold to debug-level output.
func SetVerbose(verbose bool) {
	if verbose {
		logLevel.SetLevel(zapcore.DebugLevel)
	} else {
		logLevel.SetLevel(zapcore.InfoLevel)
	}
}

func prefix(ctx context.Context, format string) string {
	if buf := logtags.FromContext(ctx); buf != nil {
		return fmt.Sprintf("[%s] %s", buf.String(), format)
	}
	return format
}

// AddTag returns a context carrying an additional log tag.
func AddTag(ctx context.Context, key string, value interface{}) context.Context {
	return logtags.AddTag(ctx, key, value)
}

// VEventf logs a verbose-only event.
func VEventf(ctx context.Context, format string, args ...interface{}) {
	logger.Debugf(prefix(ctx, format), args...)
}

// Infof logs an informational message.
func Infof(ctx context.Context, format string, args ...interface{}) {
	logger.Infof(prefix(ctx, format), args...)
}

// Warningf logs a warning.
func Warningf(ctx context.Context, format string, args ...interface{}) {
	logger.Warnf(prefix(ctx, format), args...)
}

// Errorf logs an error.
func Errorf(ctx context.Context, format string, args ...interface{}) {
	logger.Errorf(prefix(ctx, format), args...)
}

// Fatalf logs an error and terminates the process.
func Fatalf(ctx context.Context, format string, args ...interface{}) {
	logger.Fatalf(prefix(ctx, format), args...)
}

// Flush drains buffered log output. Called before process exit.
func Flush() {
	_ = logger.Sync()
}

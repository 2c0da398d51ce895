/*
 Copyright The FairSched Authors

 Licensed under the Apache License, Version 2.0 (the "License");
 you may not use this file except in compliance with the License.
 You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/

package log

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggerHandle identifies a subsystem logger. Handles are cheap to copy and
// are handed out as package level values so call sites read as
// log.Log(log.Quota).Info(...).
type LoggerHandle struct {
	id   int
	name string
}

func (h LoggerHandle) String() string {
	return h.name
}

var (
	Core      = LoggerHandle{0, "core"}
	Quota     = LoggerHandle{1, "quota"}
	FairShare = LoggerHandle{2, "fairshare"}
	Queue     = LoggerHandle{3, "queue"}
	Dispatch  = LoggerHandle{4, "dispatch"}
	Scheduler = LoggerHandle{5, "scheduler"}
	Metrics   = LoggerHandle{6, "metrics"}
	Web       = LoggerHandle{7, "webservice"}
	Config    = LoggerHandle{8, "config"}
	Trace     = LoggerHandle{9, "trace"}
	Store     = LoggerHandle{10, "store"}
)

const handleCount = 11

var (
	once    sync.Once
	logger  *zap.Logger
	config  *zap.Config
	aLevel  *zap.AtomicLevel
	loggers [handleCount]*zap.Logger
)

// Logger returns the root logger, initializing it on first use.
func Logger() *zap.Logger {
	once.Do(initLogger)
	return logger
}

// Log returns the named logger for the given subsystem handle.
func Log(handle LoggerHandle) *zap.Logger {
	once.Do(initLogger)
	return loggers[handle.id]
}

func initLogger() {
	config = createConfig()
	var err error
	logger, err = config.Build()
	// this should really not happen so just write to stdout and set a Nop logger
	if err != nil {
		fmt.Printf("Logging disabled, logger init failed with error: %v\n", err)
		logger = zap.NewNop()
	}
	for _, h := range []LoggerHandle{Core, Quota, FairShare, Queue, Dispatch, Scheduler, Metrics, Web, Config, Trace, Store} {
		loggers[h.id] = logger.Named(h.name)
	}
}

// IsDebugEnabled reports whether debug logging is active.
func IsDebugEnabled() bool {
	if logger == nil {
		// when under development mode
		return true
	}
	return logger.Core().Enabled(zapcore.DebugLevel)
}

// InitAndSetLevel initializes the logger if needed and sets the log level.
// Visible for tests.
func InitAndSetLevel(level zapcore.Level) {
	if config == nil {
		Logger()
	}
	config.Level.SetLevel(level)
}

func GetAtomicLevel() *zap.AtomicLevel {
	return aLevel
}

// Create a log config to keep full control over
// LogLevel set to INFO, Encodes for console, Writes to stderr,
// Print stack traces for messages at WarnLevel and above
func createConfig() *zap.Config {
	atomicLevel := zap.NewAtomicLevelAt(zap.InfoLevel)
	aLevel = &atomicLevel

	return &zap.Config{
		Level:    atomicLevel,
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:    "message",
			LevelKey:      "level",
			TimeKey:       "time",
			NameKey:       "name",
			CallerKey:     "caller",
			StacktraceKey: "stacktrace",
			LineEnding:    zapcore.DefaultLineEnding,
			// note: https://godoc.org/go.uber.org/zap/zapcore#EncoderConfig
			// only EncodeName is optional all others must be set
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
}

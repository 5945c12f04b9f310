package logging

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type (
	impl struct {
		name  string
		level AtomicLevel
		inUTC bool

		appenders []Appender
	}

	// LogEntry embeds a zapcore Entry and slice of Fields.
	LogEntry struct {
		zapcore.Entry
		fields []zapcore.Field
	}
)

func (imp *impl) AddAppender(appender Appender) {
	imp.appenders = append(imp.appenders, appender)
}

func (imp *impl) Desugar() *zap.Logger {
	return imp.AsZap().Desugar()
}

func (imp *impl) SetLevel(level Level) {
	imp.level.Set(level)
}

func (imp *impl) GetLevel() Level {
	return imp.level.Get()
}

func (imp *impl) Level() zapcore.Level {
	return imp.GetLevel().AsZap()
}

func (imp *impl) Sublogger(subname string) Logger {
	newName := subname
	if imp.name != "" {
		newName = fmt.Sprintf("%s.%s", imp.name, subname)
	}

	sub := &impl{
		name:      newName,
		level:     NewAtomicLevelAt(imp.level.Get()),
		inUTC:     imp.inUTC,
		appenders: imp.appenders,
	}
	return globalLoggerRegistry.register(newName, sub)
}

func (imp *impl) Named(name string) *zap.SugaredLogger {
	return imp.AsZap().Named(name)
}

func (imp *impl) Sync() error {
	var errs []error
	for _, appender := range imp.appenders {
		if err := appender.Sync(); err != nil {
			errs = append(errs, err)
		}
	}

	return multierr.Combine(errs...)
}

func (imp *impl) With(args ...interface{}) *zap.SugaredLogger {
	return imp.AsZap().With(args...)
}

func (imp *impl) WithOptions(opts ...zap.Option) *zap.SugaredLogger {
	return imp.AsZap().WithOptions(opts...)
}

func (imp *impl) AsZap() *zap.SugaredLogger {
	// When downconverting to a SugaredLogger, copy those that implement the `zapcore.Core`
	// interface. This includes the observed logs for tests.
	var copiedCores []zapcore.Core
	for _, appender := range imp.appenders {
		if core, ok := appender.(zapcore.Core); ok {
			copiedCores = append(copiedCores, core)
		}
	}

	config := NewZapLoggerConfig()
	// Use the global zap `AtomicLevel` such that the constructed zap logger can observe changes to
	// the debug flag.
	config.Level = GlobalLogLevel
	ret := zap.Must(config.Build()).Sugar().Named(imp.name)
	for _, core := range copiedCores {
		ret = ret.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			return zapcore.NewTee(c, core)
		}))
	}

	return ret
}

func (imp *impl) shouldLog(logLevel Level) bool {
	if GlobalLogLevel.Level() == zapcore.DebugLevel {
		return true
	}

	return logLevel >= imp.level.Get()
}

func (imp *impl) log(entry *LogEntry) {
	if imp.inUTC {
		entry.Time = entry.Time.UTC()
	}

	for _, appender := range imp.appenders {
		err := appender.Write(entry.Entry, entry.fields)
		if err != nil {
			fmt.Fprint(os.Stderr, err)
		}
	}
}

// newEntry stamps an entry with the time, logger name and the call site of the public logging
// method, which sits three frames above getCaller.
func (imp *impl) newEntry(logLevel Level, msg string, fields []zapcore.Field) *LogEntry {
	entry := &LogEntry{fields: fields}
	entry.Time = time.Now()
	entry.LoggerName = imp.name
	entry.Caller = getCaller()
	entry.Level = logLevel.AsZap()
	entry.Message = msg
	return entry
}

// print logs fmt.Sprint(args...) if logLevel is enabled or force is set.
func (imp *impl) print(logLevel Level, force bool, args []interface{}) {
	if force || imp.shouldLog(logLevel) {
		imp.log(imp.newEntry(logLevel, fmt.Sprint(args...), nil))
	}
}

// printf logs fmt.Sprintf(template, args...) if logLevel is enabled or force is set.
func (imp *impl) printf(logLevel Level, force bool, template string, args []interface{}) {
	if force || imp.shouldLog(logLevel) {
		imp.log(imp.newEntry(logLevel, fmt.Sprintf(template, args...), nil))
	}
}

// printw logs msg with structured fields if logLevel is enabled or force is set.
func (imp *impl) printw(logLevel Level, force bool, msg string, keysAndValues []interface{}) {
	if force || imp.shouldLog(logLevel) {
		imp.log(imp.newEntry(logLevel, msg, toFields(keysAndValues)))
	}
}

// toFields pairs up alternating keys and values. Keys are stringified and values are encoded with
// zap.Any. A trailing key without a value gets an error value so the mistake shows in the output.
func toFields(keysAndValues []interface{}) []zapcore.Field {
	fields := make([]zapcore.Field, 0, (len(keysAndValues)+1)/2)
	for i := 0; i < len(keysAndValues); i += 2 {
		key := fmt.Sprint(keysAndValues[i])
		if i+1 == len(keysAndValues) {
			fields = append(fields, zap.Any(key, errors.New("unpaired log key")))
			break
		}
		fields = append(fields, zap.Any(key, keysAndValues[i+1]))
	}
	return fields
}

func (imp *impl) Debug(args ...interface{}) { imp.print(DEBUG, false, args) }

func (imp *impl) Debugf(template string, args ...interface{}) {
	imp.printf(DEBUG, false, template, args)
}

func (imp *impl) Debugw(msg string, keysAndValues ...interface{}) {
	imp.printw(DEBUG, false, msg, keysAndValues)
}

// CDebug, CDebugf and CDebugw also log when ctx was put in debug mode with EnableDebugMode.
func (imp *impl) CDebug(ctx context.Context, args ...interface{}) {
	imp.print(DEBUG, IsDebugMode(ctx), args)
}

func (imp *impl) CDebugf(ctx context.Context, template string, args ...interface{}) {
	imp.printf(DEBUG, IsDebugMode(ctx), template, args)
}

func (imp *impl) CDebugw(ctx context.Context, msg string, keysAndValues ...interface{}) {
	imp.printw(DEBUG, IsDebugMode(ctx), msg, keysAndValues)
}

func (imp *impl) Info(args ...interface{}) { imp.print(INFO, false, args) }

func (imp *impl) Infof(template string, args ...interface{}) {
	imp.printf(INFO, false, template, args)
}

func (imp *impl) Infow(msg string, keysAndValues ...interface{}) {
	imp.printw(INFO, false, msg, keysAndValues)
}

func (imp *impl) Warn(args ...interface{}) { imp.print(WARN, false, args) }

func (imp *impl) Warnf(template string, args ...interface{}) {
	imp.printf(WARN, false, template, args)
}

func (imp *impl) Warnw(msg string, keysAndValues ...interface{}) {
	imp.printw(WARN, false, msg, keysAndValues)
}

func (imp *impl) Error(args ...interface{}) { imp.print(ERROR, false, args) }

func (imp *impl) Errorf(template string, args ...interface{}) {
	imp.printf(ERROR, false, template, args)
}

func (imp *impl) Errorw(msg string, keysAndValues ...interface{}) {
	imp.printw(ERROR, false, msg, keysAndValues)
}

// Fatal, Fatalf and Fatalw always log at error level, then exit with status 1.
func (imp *impl) Fatal(args ...interface{}) {
	imp.print(ERROR, true, args)
	os.Exit(1)
}

func (imp *impl) Fatalf(template string, args ...interface{}) {
	imp.printf(ERROR, true, template, args)
	os.Exit(1)
}

func (imp *impl) Fatalw(msg string, keysAndValues ...interface{}) {
	imp.printw(ERROR, true, msg, keysAndValues)
	os.Exit(1)
}

func getCaller() zapcore.EntryCaller {
	var ok bool
	var entryCaller zapcore.EntryCaller
	const skipToLogCaller = 4
	entryCaller.PC, entryCaller.File, entryCaller.Line, ok = runtime.Caller(skipToLogCaller)
	if !ok {
		return entryCaller
	}
	entryCaller.Defined = true

	runtimeFunc := runtime.FuncForPC(entryCaller.PC)
	if runtimeFunc != nil {
		entryCaller.Function = runtimeFunc.Name()
	}

	return entryCaller
}

package config

import (
	"sync"

	"go.uber.org/zap/zapcore"

	"go.viam.com/posetrack/logging"
)

var globalLogger struct {
	// initialized once at startup
	logger           logging.Logger
	cmdLineDebugFlag bool

	// changed whenever a config is applied
	mu                  sync.Mutex
	fileConfigDebugFlag bool
}

// InitLoggingSettings initializes the global logging settings.
func InitLoggingSettings(logger logging.Logger, cmdLineDebugFlag bool) {
	globalLogger.logger = logger
	globalLogger.cmdLineDebugFlag = cmdLineDebugFlag
	if cmdLineDebugFlag {
		logging.GlobalLogLevel.SetLevel(zapcore.DebugLevel)
	} else {
		logging.GlobalLogLevel.SetLevel(zapcore.InfoLevel)
	}
	logger.Infow("log level initialized", "level", logging.GlobalLogLevel.Level().String())
}

// UpdateFileConfigDebug is used to update the debug flag whenever a config file is applied.
func UpdateFileConfigDebug(fileDebug bool) {
	globalLogger.mu.Lock()
	defer globalLogger.mu.Unlock()

	globalLogger.fileConfigDebugFlag = fileDebug
	refreshLogLevelInLock()
}

func refreshLogLevelInLock() {
	newLevel := zapcore.InfoLevel
	if globalLogger.cmdLineDebugFlag || globalLogger.fileConfigDebugFlag {
		newLevel = zapcore.DebugLevel
	}
	if logging.GlobalLogLevel.Level() == newLevel {
		return
	}
	if globalLogger.logger != nil {
		globalLogger.logger.Infow("new log level", "level", newLevel.String())
	}
	logging.GlobalLogLevel.SetLevel(newLevel)
}

// ApplyLogConfig applies per-logger levels to every registered logger, then sets the level of
// logger and adds the configured log file.
func ApplyLogConfig(logger logging.Logger, conf LogConfig) error {
	if err := logging.UpdateLoggerConfig(conf.Loggers); err != nil {
		return err
	}
	if conf.Level != "" {
		level, err := logging.LevelFromString(conf.Level)
		if err != nil {
			return err
		}
		logger.SetLevel(level)
	}
	if conf.File != nil {
		logger.AddAppender(logging.NewFileAppender(conf.File.Path, conf.File.MaxSizeMB, conf.File.MaxBackups))
	}
	UpdateFileConfigDebug(conf.Debug)
	return nil
}

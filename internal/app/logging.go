package app

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

const (
	logFormatText = "text"
	logFormatJSON = "json"
)

// logFormatter возвращает форматтер logrus для LOG_FORMAT.
func logFormatter(format string) (log.Formatter, error) {
	switch format {
	case logFormatText, "":
		return &log.TextFormatter{FullTimestamp: true}, nil
	case logFormatJSON:
		return &log.JSONFormatter{FieldMap: log.FieldMap{log.FieldKeyMsg: "message"}}, nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
}

// SetupLogging настраивает стандартный логгер logrus. Неизвестный уровень
// заменяется на info с предупреждением в лог.
func SetupLogging(cfg Config) {
	formatter, err := logFormatter(cfg.LogFormat)
	if err != nil {
		formatter, _ = logFormatter(logFormatText)
	}
	log.SetFormatter(formatter)

	level, levelErr := log.ParseLevel(cfg.LogLevel)
	if levelErr != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if err != nil {
		log.WithError(err).Warn("falling back to text logs")
	}
	if levelErr != nil {
		log.WithError(levelErr).WithField("level", cfg.LogLevel).Warn("unknown log level, using info")
	}
}

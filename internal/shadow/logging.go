package shadow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// pahoLogger adapts slog to paho's package-level logger interface.
type pahoLogger struct {
	logger *slog.Logger
	level  slog.Level
}

func (l pahoLogger) Println(v ...interface{}) {
	l.logger.Log(context.Background(), l.level, strings.TrimSpace(fmt.Sprintln(v...)))
}

func (l pahoLogger) Printf(format string, v ...interface{}) {
	l.logger.Log(context.Background(), l.level, strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// ConfigureMQTTLogging routes paho's internal loggers into logger. Errors
// are always forwarded; warnings and debug traces only when debug is set.
func ConfigureMQTTLogging(logger *slog.Logger, debug bool) {
	logger = logger.With("component", "paho")
	pahomqtt.ERROR = pahoLogger{logger: logger, level: slog.LevelError}
	pahomqtt.CRITICAL = pahoLogger{logger: logger, level: slog.LevelError}
	if debug {
		pahomqtt.WARN = pahoLogger{logger: logger, level: slog.LevelWarn}
		pahomqtt.DEBUG = pahoLogger{logger: logger, level: slog.LevelDebug}
		return
	}
	pahomqtt.WARN = pahomqtt.NOOPLogger{}
	pahomqtt.DEBUG = pahomqtt.NOOPLogger{}
}

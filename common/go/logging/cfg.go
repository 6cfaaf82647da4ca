package logging

import "go.uber.org/zap/zapcore"

// Config is the configuration for the logging subsystem.
type Config struct {
	// Level is the logging level.
	Level zapcore.Level `yaml:"level"`

	// Encoding selects the log output format, either "console" or "json".
	// Empty value means "console".
	Encoding string `yaml:"encoding"`
}

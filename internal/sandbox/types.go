package sandbox

import "time"

// Config defines sandbox configuration
type Config struct {
	MaxCallStack  int           // Maximum call stack depth
	Timeout       time.Duration // Execution timeout
	EnableConsole bool          // Allow console.log/warn/error
}

// DefaultConfig returns the limits used for configuration scripts.
func DefaultConfig() Config {
	return Config{
		MaxCallStack:  1024,
		Timeout:       5 * time.Second,
		EnableConsole: true,
	}
}

// Result holds execution result
type Result struct {
	Value    any           // Completion value of the script
	Console  []LogEntry    // Console output
	Duration time.Duration // Execution time
}

// LogEntry represents console output
type LogEntry struct {
	Level   string    // log, warn, error, info
	Message string    // Log message
	Time    time.Time // Timestamp
}

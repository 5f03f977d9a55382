package logger

import "sync"

// LoggerInstance defines the interface for logging backends.
type LoggerInstance interface {
	Log(message string, keyvals ...any)
	Debug(message string, keyvals ...any)
	Info(message string, keyvals ...any)
	Warn(message string, keyvals ...any)
	Error(message string, keyvals ...any)
	Fatal(message string, keyvals ...any)
}

// Logger holds multiple logging backends and dispatches log calls to all of them.
type Logger struct {
	instances []LoggerInstance
}

var (
	mu        sync.RWMutex
	singleton *Logger
)

func getSingleton() *Logger {
	mu.RLock()
	defer mu.RUnlock()
	return singleton
}

// Init initializes the global logger with one or more logging backends.
// Until Init is called every logging function is a no-op.
func Init(instances ...LoggerInstance) {
	mu.Lock()
	singleton = &Logger{
		instances: instances,
	}
	mu.Unlock()
}

// Add appends a backend to the global logger, initializing it if needed.
func Add(instance LoggerInstance) {
	mu.Lock()
	defer mu.Unlock()
	if singleton == nil {
		singleton = &Logger{}
	}
	singleton.instances = append(singleton.instances, instance)
}

func each(fn func(LoggerInstance)) {
	logger := getSingleton()
	if logger == nil {
		return
	}
	for _, instance := range logger.instances {
		fn(instance)
	}
}

// Log writes a message at the default log level to all configured backends.
func Log(message string, keyvals ...any) {
	each(func(i LoggerInstance) { i.Log(message, keyvals...) })
}

// Info writes a message at INFO level to all configured backends.
func Info(message string, keyvals ...any) {
	each(func(i LoggerInstance) { i.Info(message, keyvals...) })
}

// Warn writes a message at WARN level to all configured backends.
func Warn(message string, keyvals ...any) {
	each(func(i LoggerInstance) { i.Warn(message, keyvals...) })
}

// Error writes a message at ERROR level to all configured backends.
func Error(message string, keyvals ...any) {
	each(func(i LoggerInstance) { i.Error(message, keyvals...) })
}

// Debug writes a message at DEBUG level to all configured backends.
func Debug(message string, keyvals ...any) {
	each(func(i LoggerInstance) { i.Debug(message, keyvals...) })
}

// Fatal writes a message at FATAL level and terminates the program.
func Fatal(message string, keyvals ...any) {
	each(func(i LoggerInstance) { i.Fatal(message, keyvals...) })
}

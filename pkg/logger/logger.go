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
// This must be called before using any logging functions.
func Init(instances ...LoggerInstance) {
	mu.Lock()
	defer mu.Unlock()
	singleton = &Logger{
		instances: instances,
	}
}

func dispatch(fn func(LoggerInstance)) {
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
	dispatch(func(i LoggerInstance) { i.Log(message, keyvals...) })
}

// Info writes a message at INFO level to all configured backends.
func Info(message string, keyvals ...any) {
	dispatch(func(i LoggerInstance) { i.Info(message, keyvals...) })
}

// Warn writes a message at WARN level to all configured backends.
func Warn(message string, keyvals ...any) {
	dispatch(func(i LoggerInstance) { i.Warn(message, keyvals...) })
}

// Error writes a message at ERROR level to all configured backends.
func Error(message string, keyvals ...any) {
	dispatch(func(i LoggerInstance) { i.Error(message, keyvals...) })
}

// Debug writes a message at DEBUG level to all configured backends.
func Debug(message string, keyvals ...any) {
	dispatch(func(i LoggerInstance) { i.Debug(message, keyvals...) })
}

// Fatal writes a message at FATAL level and terminates the program.
func Fatal(message string, keyvals ...any) {
	dispatch(func(i LoggerInstance) { i.Fatal(message, keyvals...) })
}

// Fields is a set of key/value pairs prepended to every message logged
// through it. Used to carry doc_id and run_id through a linking run.
type Fields []any

// With returns fields extended by keyvals.
func With(keyvals ...any) Fields {
	return Fields(keyvals)
}

func (f Fields) With(keyvals ...any) Fields {
	out := make(Fields, 0, len(f)+len(keyvals))
	out = append(out, f...)
	return append(out, keyvals...)
}

func (f Fields) merge(keyvals []any) []any {
	out := make([]any, 0, len(f)+len(keyvals))
	out = append(out, f...)
	return append(out, keyvals...)
}

func (f Fields) Debug(message string, keyvals ...any) { Debug(message, f.merge(keyvals)...) }
func (f Fields) Info(message string, keyvals ...any)  { Info(message, f.merge(keyvals)...) }
func (f Fields) Warn(message string, keyvals ...any)  { Warn(message, f.merge(keyvals)...) }
func (f Fields) Error(message string, keyvals ...any) { Error(message, f.merge(keyvals)...) }

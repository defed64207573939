package cli

import "fmt"

// Códigos de saída do homescoutctl
const (
	exitFailure         = 1
	exitUsage           = 2
	exitUnauthenticated = 3
)

// ExitError carrega o código de saída desejado até o main
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

func exitError(code int, format string, args ...any) *ExitError {
	return &ExitError{Code: code, Message: fmt.Sprintf(format, args...)}
}

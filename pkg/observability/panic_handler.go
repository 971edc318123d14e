package observability

import "fmt"

// MustRecover converts a recovered panic value into an error so handler
// wrappers can answer with a 500 instead of dropping the connection.
// Returns nil when r is nil.
func MustRecover(r interface{}) error {
	if r == nil {
		return nil
	}
	return fmt.Errorf("panic: %v", r)
}

package kernel

import "fmt"

// runSafely invokes fn and turns a panic into an error carrying scope, so a
// misbehaving subscriber handler never takes a bus worker down with it.
func runSafely(scope string, fn func() error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%s: recovered from panic: %v", scope, recovered)
		}
	}()

	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", scope, err)
	}

	return nil
}

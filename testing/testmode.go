// Package testing switches the binaries into test mode. Importing it for
// side effects keeps main() from dialling Postgres, Redis or Gotenberg.
package testing

import (
	"os"
	"sync"
)

var once sync.Once

// Enable sets the test-mode environment once per process.
func Enable() {
	once.Do(func() {
		_ = os.Setenv("ODYSSEY_TEST_MODE", "1")
		if os.Getenv("GOTENBERG_URL") == "" {
			_ = os.Setenv("GOTENBERG_URL", "http://127.0.0.1:0")
		}
		if os.Getenv("REDIS_ADDR") == "" {
			_ = os.Setenv("REDIS_ADDR", "127.0.0.1:0")
		}
	})
}

func init() {
	Enable()
}

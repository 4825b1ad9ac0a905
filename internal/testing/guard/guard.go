// Package guard switches the binaries into test mode when imported by a test.
package guard

import "os"

func init() {
	if _, set := os.LookupEnv("CAREBOOK_TEST_MODE"); !set {
		_ = os.Setenv("CAREBOOK_TEST_MODE", "true")
	}
}

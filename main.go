// Command asynctest runs the built-in self-test catalog.
package main

import (
	"github.com/webtests/asynctest/internal/selftest"
	"github.com/webtests/asynctest/runner"
)

func main() {
	runner.Main(selftest.Catalog())
}

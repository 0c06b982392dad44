package main

import (
	stdtesting "testing"

	_ "github.com/odyssey-erp/odyssey-msp/testing"
)

func TestWorkerSkipsStartupInTestMode(t *stdtesting.T) {
	main()
}

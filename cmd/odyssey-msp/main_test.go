package main

import (
	stdtesting "testing"

	_ "github.com/odyssey-erp/odyssey-msp/testing"
)

func TestMainSkipsStartupInTestMode(t *stdtesting.T) {
	main()
}

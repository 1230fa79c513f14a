package main

import (
	"github.com/xkilldash9x/logdiag/cmd"
)

func main() {
	cmd.Execute()
}

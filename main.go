package main

import (
	"os"

	"github.com/sciencegateway/jobgate/pkg/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}

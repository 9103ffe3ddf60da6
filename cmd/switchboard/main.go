package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/harun/switchboard/internal/cli"
)

func main() {
	if err := cli.ExecuteContext(context.Background()); err != nil {
		fmt.Fprint(os.Stderr, color.RedString("Error: %v\n", err))
		os.Exit(1)
	}
}

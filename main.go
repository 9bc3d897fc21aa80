package main

import (
	"errors"
	"fmt"
	"os"
)

const Version = "0.3.0"

func main() {
	cli := NewCLI(os.Stdout)
	if err := cli.Run(os.Args[1:]); err != nil {
		if !errors.Is(err, errChainInvalid) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

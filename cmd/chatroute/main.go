package main

import (
	"fmt"
	"os"
)

func main() {
	if err := executeCLI(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "chatroute: %v\n", err)
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"os"
)

func main() {
	c := &cli{in: os.Stdin, out: os.Stdout, errOut: os.Stderr}
	if err := newRootCmd(c).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "inferd:", err)
		os.Exit(1)
	}
}

package main

import (
	"os"

	"wingpf.tools/cli"
)

func main() {
	env := os.Environ()
	args := os.Args
	in := os.Stdin
	out := os.Stdout
	err := os.Stderr
	os.Exit(cli.Run(env, args, in, out, err))
}

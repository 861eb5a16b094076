package main

import "github.com/pyroscope-io/nodespy/cmd/nodespy/cmd"

func main() {
	cmd.Execute()
}

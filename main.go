package main

import "github.com/latticehq/lattice/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/example/bps-classifier/cmd"

func main() {
	cmd.Execute()
}

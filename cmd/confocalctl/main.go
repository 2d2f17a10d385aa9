package main

import "github.com/nasa-jpl/confocal/cmd/confocalctl/cmd"

func main() {
	cmd.Execute()
}

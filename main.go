package main

import "skitracker/internal/cli"

func main() {
	cli.Execute()
}

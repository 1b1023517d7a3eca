package main

import "github.com/deplyx/deplyx/cmd/deplyx/commands"

func main() {
	commands.Execute()
}

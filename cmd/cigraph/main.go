package main

import "github.com/DrSkyle/cigraph/cmd/cigraph/commands"

func main() {
	commands.Execute()
}

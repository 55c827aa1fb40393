package main

import "github.com/marcus/codebot/cmd/codebot/commands"

func main() {
	commands.Execute()
}

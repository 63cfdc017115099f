package main

import "github.com/danharwell/chatmux/cmd"

func main() {
	cmd.Execute()
}

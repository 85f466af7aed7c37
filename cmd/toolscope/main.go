package main

import "github.com/toolscope/toolscope/cmd/toolscope/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/agentgw/agentgw/cmd"

func main() {
	cmd.Execute()
}

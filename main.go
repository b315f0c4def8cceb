package main

import "github.com/agentic-research/traceview/cmd"

func main() {
	cmd.Execute()
}

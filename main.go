package main

import "github.com/rnnodes/convoybot/cmd"

func main() {
	cmd.Execute()
}

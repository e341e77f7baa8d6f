package main

import "deviceupdate.software/agent/cmd"

func main() {
	cmd.Execute()
}

package main

import "stagesave-server/cmd"

func main() {
	cmd.Execute()
}

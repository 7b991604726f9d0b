package main

import "audiosplit/cmd"

func main() {
	cmd.Execute()
}

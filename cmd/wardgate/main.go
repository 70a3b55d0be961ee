package main

import "github.com/Ward-Gate/wardgate/cmd/wardgate/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/giovanycoelho/respondergpt/cmd"

func main() {
	cmd.Execute()
}

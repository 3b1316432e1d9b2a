package main

import "github.com/jmehdipour/key-broker/cmd"

func main() {
	cmd.Execute()
}

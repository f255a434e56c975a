package main

import "github.com/drosthq/drost/cmd"

func main() {
	cmd.Execute()
}

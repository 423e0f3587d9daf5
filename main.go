package main

import "github.com/downstack/downstack/cmd"

func main() {
	cmd.Execute()
}

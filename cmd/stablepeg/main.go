package main

import "stable-peg/internal/cli"

func main() {
	cli.Execute()
}

package main

import "github.com/qube-labs/qube/internal/cli"

func main() {
	cli.Execute()
}

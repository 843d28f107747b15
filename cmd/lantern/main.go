package main

import "github.com/lantern-network/lantern/internal/cli"

func main() {
	cli.Execute()
}

package main

import "celo-onramp/internal/cli"

func main() {
	cli.Execute()
}

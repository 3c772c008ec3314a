package main

import "deribit-tracker/internal/cli"

func main() {
	cli.Execute()
}

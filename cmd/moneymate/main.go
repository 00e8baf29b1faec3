package main

import "moneymate/internal/cli"

func main() {
	cli.Execute()
}

package main

import "github.com/ppiankov/crewd/internal/cli"

func main() {
	cli.Execute()
}

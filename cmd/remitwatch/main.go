package main

import "github.com/vietddude/remitwatch/internal/cli"

func main() {
	cli.Execute()
}

package main

import "github.com/markdave123-py/Lexa/internal/cli"

func main() {
	cli.Execute()
}

package main

import "github.com/theirongolddev/vacount/cmd"

func main() {
	cmd.Execute()
}

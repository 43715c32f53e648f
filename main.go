package main

import "github.com/finchlabs/finch/cmd"

func main() {
	cmd.Execute()
}

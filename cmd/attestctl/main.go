package main

import "github.com/jmcleod/devattest/cmd/attestctl/cmd"

func main() {
	cmd.Execute()
}

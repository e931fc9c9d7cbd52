package main

import "github.com/jmcleod/certkeeper/cmd/certkeeper/cmd"

func main() {
	cmd.Execute()
}

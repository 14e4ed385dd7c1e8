package main

import "github.com/datagate-labs/datagate/cmd/datagate/cmd"

func main() {
	cmd.Execute()
}

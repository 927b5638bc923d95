package main

import "github.com/perkflow/integration-gateway/cmd"

func main() {
	cmd.Execute()
}

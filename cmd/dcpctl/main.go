package main

import "github.com/deployops/deploy-control-plane/internal/cmd"

func main() {
	cmd.Execute()
}

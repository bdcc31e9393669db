package main

import "github.com/gatewayclient/transport/cmd/gatewayctl/cmd"

func main() {
	cmd.Execute()
}

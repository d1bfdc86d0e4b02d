// Command portalguard runs the session and request-resilience layer.
package main

import "github.com/Sentinel-Gate/portalguard/cmd/portalguard/cmd"

func main() {
	cmd.Execute()
}

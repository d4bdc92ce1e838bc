// gap is the Gated Agent Proxy: a localhost MITM HTTPS proxy that lets AI
// agents call upstream APIs without ever holding the credentials.
package main

import "github.com/mikekelly/gap/cmd/gap/cmd"

func main() {
	cmd.Execute()
}

// Command ttyd-mux is the terminal-session multiplexer daemon entry
// point; all behavior lives in the cmd package's cobra tree.
package main

import "github.com/cuzic/ttyd-mux/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/audiolibrelab/sigcapture/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/surge-downloader/batchdl/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/bryanchriswhite/PanoStreamer/cmd/panostreamer/commands"

func main() {
	commands.Execute()
}

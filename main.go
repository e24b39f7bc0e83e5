package main

import "github.com/TranVPhu/FaceRecognize/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/hearthchat/voicemesh/cmd/voicemesh-client/cmd"

func main() {
	cmd.Execute()
}

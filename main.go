package main

import "github.com/dowmeister/digitalocean-ai-agent-discord-bot/cmd"

func main() {
	cmd.Execute()
}

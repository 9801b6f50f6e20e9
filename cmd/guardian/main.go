package main

import "stream-guardian/internal/cli"

func main() {
	cli.Execute()
}

package main

import "github.com/aaronromeo/mailrelay/internal/cli"

func main() {
	cli.Execute()
}

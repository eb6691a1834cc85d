package main

import "github.com/lzyats/chatfeed/cmd/feedctl/cmd"

func main() {
	cmd.Execute()
}

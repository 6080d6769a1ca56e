package main

import "github.com/KaramelBytes/dida-cli/cmd"

func main() {
	cmd.Execute()
}

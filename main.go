package main

import "webllm-chat/cmd"

func main() {
	cmd.Execute()
}

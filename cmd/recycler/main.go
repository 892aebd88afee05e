package main

import "github.com/ramiqadoumi/go-task-recycler/services/worker/cli"

func main() {
	cli.Execute()
}

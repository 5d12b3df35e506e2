package main

import "github.com/occamssword/fmp-data-system-sub000/internal/cli"

func main() {
	cli.Execute()
}

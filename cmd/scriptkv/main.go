package main

import "github.com/caffeineduck/scriptkv/internal/logutil"

func main() {
	logutil.Init()
	Execute()
}

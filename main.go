package main

import "github.com/ryotakato/gauche-build/internal/gauchebuild"

func main() {
	gauchebuild.Main()
}

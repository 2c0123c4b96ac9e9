package main

import (
	"gitlab.com/tozd/nsinit/internal/nsinit"
)

func main() {
	nsinit.Main()
}

package main

import "github.com/samuelfneumann/gorollout/examples"

func main() {
	examples.RecurrentRollout()
}

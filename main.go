package main

import "github.com/stephnangue/grantor/cmd"

func main() {
	cmd.Execute()
}

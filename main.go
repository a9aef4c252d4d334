package main

import "github.com/nextlevelbuilder/scanlink/cmd"

func main() {
	cmd.Execute()
}

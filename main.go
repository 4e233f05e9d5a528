/*
Copyright © 2023 Glossopoeia
*/
package main

import "github.com/glossopoeia/glacier/cmd"

func main() {
	cmd.Execute()
}

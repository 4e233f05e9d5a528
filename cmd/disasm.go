/*
Copyright © 2023 Glossopoeia
*/
package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/glossopoeia/glacier/runtime"
)

// disasmCmd represents the disasm command
var disasmCmd = &cobra.Command{
	Use:   "disasm <file.bc>",
	Short: "Print a readable listing of a bytecode program",
	Long: `Print the header entries and every function body of a compiled program
without running it. Offsets are relative to the end of the header.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		return runtime.Disassemble(code, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(disasmCmd)
}

// Command binding-check validates a resolver bindings file: HCL syntax,
// driver names, duplicate bindings, and dangling resolver references.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"loomcore/internal/config"
)

var exitFunc = os.Exit

func main() {
	code := cli(os.Args[1:], os.Stdout, os.Stderr)
	exitFunc(code)
}

func cli(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("binding-check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var bindingsPath string
	fs.StringVar(&bindingsPath, "bindings", "bindings.hcl", "path to resolver bindings file")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, err := config.LoadFile(bindingsPath)
	if err != nil {
		fmt.Fprintf(stderr, "Bindings validation failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Bindings validation passed: %d resolver(s), %d binding(s)", len(cfg.Resolvers), len(cfg.Bindings))
	if cfg.DefaultResolver != "" {
		fmt.Fprintf(stdout, ", default %q", cfg.DefaultResolver)
	}
	fmt.Fprintln(stdout, ".")
	return 0
}

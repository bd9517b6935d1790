// Package modules provides the modules command for inspecting registered
// module metadata without starting the kernel.
package modules

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chassisd/chassis/internal/module"
	"github.com/chassisd/chassis/internal/modules"
)

// ModulesCmd lists the built-in modules and their declared metadata.
var ModulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "List built-in modules and their metadata",
	Long: "List built-in modules and their metadata.\n\n" +
		"Compiles the built-in module definitions, validates their dependency " +
		"graph, and prints each module's dependencies, advertised services, and " +
		"lifecycle methods in load order. Useful for verifying module wiring " +
		"without starting the kernel.",
	Example: `  # List built-in modules
  chassis modules`,
	PreRunE: validateModules,
	RunE:    runModules,
}

func validateModules(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	return nil
}

func runModules(cmd *cobra.Command, args []string) error {
	reg := module.NewRegistry()
	for _, def := range modules.BuiltIn() {
		if err := reg.Add(def); err != nil {
			return err
		}
	}
	if err := reg.ValidateGraph(); err != nil {
		return err
	}

	order, err := reg.LoadOrder()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for i, id := range order {
		desc, ok := reg.Descriptor(id)
		if !ok {
			continue
		}

		fmt.Fprintf(out, "%d. %s\n", i+1, desc.ID)
		if len(desc.Dependencies) > 0 {
			fmt.Fprintf(out, "   depends on: %s\n", strings.Join(sorted(desc.Dependencies), ", "))
		}
		for _, svc := range desc.Services {
			fmt.Fprintf(out, "   provides:   %s (priority %d)\n", svc.Name, svc.Priority)
		}
		if len(desc.RequiredServices) > 0 {
			fmt.Fprintf(out, "   requires:   %s\n", strings.Join(sorted(desc.RequiredServices), ", "))
		}
		if len(desc.Phase1) > 0 {
			fmt.Fprintf(out, "   phase 1:    %s\n", strings.Join(desc.Phase1, ", "))
		}
		for _, op := range desc.Phase2 {
			suffix := ""
			if op.Optional {
				suffix = " (optional)"
			}
			fmt.Fprintf(out, "   phase 2:    %s [priority %d]%s\n", op.Method, op.Priority, suffix)
		}
		if desc.APIPrefix != "" {
			fmt.Fprintf(out, "   api:        %s\n", desc.APIPrefix)
		}
	}

	return nil
}

func sorted(values []string) []string {
	out := make([]string, len(values))
	copy(out, values)
	sort.Strings(out)
	return out
}

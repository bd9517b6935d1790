package modules

import "github.com/chassisd/chassis/internal/module"

// BuiltIn returns the core module definitions in no particular order; the
// kernel derives the load order from their declared dependencies.
func BuiltIn() []module.Definition {
	return []module.Definition{
		Database(),
		Settings(),
		Scheduler(),
		Housekeeper(),
	}
}

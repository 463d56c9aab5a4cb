// Package flag wires the kong CLI for the barevisor diagnostic commands:
// capabilities and dump-ept. Neither subcommand enters VMX operation --
// that requires ring 0 and is left to the external driver runtime; this
// package only reports what can be observed from user space beforehand.
package flag

// CLI is the top-level kong command tree.
type CLI struct {
	Profile bool `help:"Wrap the invoked command in a pkg/profile CPU profile."`

	Capabilities CapabilitiesCmd `cmd:"" help:"Dump CPUID, VMX capability-MSR and MTRR information readable without entering VMX operation."`
	DumpEPT      DumpEPTCmd      `cmd:"dump-ept" help:"Build an EPT identity map against a simulated platform and print its shape."`
}

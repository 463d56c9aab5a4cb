package flag

import (
	"github.com/alecthomas/kong"
	"github.com/pkg/profile"
)

// Parse parses os.Args against CLI and runs the selected subcommand.
func Parse() error {
	c := CLI{}

	programName := "barevisor"
	programDesc := "barevisor is a minimal Intel VT-x diagnostic and EPT-building tool"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	if c.Profile {
		stop := profile.Start(profile.CPUProfile)
		defer stop.Stop()
	}

	return ctx.Run()
}

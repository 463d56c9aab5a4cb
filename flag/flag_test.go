package flag_test

import (
	"os"
	"testing"

	"github.com/alecthomas/kong"

	"github.com/hvgo/barevisor/flag"
)

func TestCmdlineCapabilitiesParsing(t *testing.T) {
	t.Parallel()

	args := os.Args
	defer func() { os.Args = args }()

	os.Args = []string{"barevisor", "capabilities"}

	kong.Parse(&flag.CLI{}, kong.Exit(func(_ int) { t.Fatal("parsing failed") }))
}

func TestCmdlineDumpEPTParsing(t *testing.T) {
	t.Parallel()

	args := os.Args
	defer func() { os.Args = args }()

	os.Args = []string{"barevisor", "dump-ept", "--processors", "2"}

	kong.Parse(&flag.CLI{}, kong.Exit(func(_ int) { t.Fatal("parsing failed") }))
}

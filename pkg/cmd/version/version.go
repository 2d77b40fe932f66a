package version

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/sciencegateway/jobgate/pkg/terminal"
)

// Version is set at build time with -ldflags "-X .../version.Version=v1.2.3".
var Version = ""

var versionString = `
jobgate %s
go:     %s
os:     %s/%s
`

func NewCmdVersion(t *terminal.Terminal) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the jobgate version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t.Vprint(BuildVersionString())
			return nil
		},
	}
}

func BuildVersionString() string {
	return fmt.Sprintf(versionString, Current(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Current is the linked version, falling back to the module version
// recorded in the binary and then to "unknown".
func Current() string {
	if Version != "" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "unknown"
}

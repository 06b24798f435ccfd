package commands

import (
	"github.com/arosloff/streamlet-transparency-logging/src/config"
	"github.com/spf13/cobra"
)

var (
	_config = config.NewDefaultConfig()
)

//RootCmd is the root command for streamlet
var RootCmd = &cobra.Command{
	Use:              "streamlet",
	Short:            "streamlet consensus",
	TraverseChildren: true,
}

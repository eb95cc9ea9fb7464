package commands

import (
	"github.com/davidmnoll/meshlang/src/config"
	"github.com/spf13/cobra"
)

var _config = config.NewDefaultConfig()

//RootCmd is the root command for meshlang
var RootCmd = &cobra.Command{
	Use:              "meshlang",
	Short:            "meshlang fact store",
	TraverseChildren: true,
}

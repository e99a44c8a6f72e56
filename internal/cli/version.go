package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"go2tv.app/screenrec/internal/version"
)

func NewVersionCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(deps.Out, version.Full())
			return err
		},
	}
}

package cli

import (
	"github.com/spf13/cobra"

	"go2tv.app/screenrec/internal/app"
	"go2tv.app/screenrec/internal/output"
)

func NewDoctorCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check prerequisites",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := output.NewFormatter(deps.Out)
			ok := true

			for _, c := range app.Doctor(cmd.Context(), *deps.Options) {
				f.SetupCheck(c.Name, c.OK, c.Detail)
				if !c.OK && !c.Optional {
					ok = false
				}
			}

			if ok {
				f.Success("\nAll prerequisites met. Ready to record!")
			} else {
				f.Warning("\nSome prerequisites are missing.")
			}
			return nil
		},
	}
}

package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"go2tv.app/screenrec/internal/output"
)

func NewSourcesCmd(deps *Dependencies) *cobra.Command {
	var thumbDir string
	opts := deps.Options

	cmd := &cobra.Command{
		Use:   "sources",
		Short: "List capturable screens and windows",
		Long: "Enumerate the screens and windows the desktop portal grants. IDs are only valid " +
			"until the next enumeration; use the index with 'screenrec record --source'.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := deps.app()
			if err != nil {
				return err
			}
			f := output.NewFormatter(deps.Out)

			list, err := a.Sources(cmd.Context())
			if err != nil {
				return err
			}
			if len(list) == 0 {
				f.Info("No sources found")
				return nil
			}

			f.SourceListHeader()
			for i, d := range list {
				f.SourceListItem(i+1, d)
			}

			if thumbDir == "" {
				return nil
			}
			if err := os.MkdirAll(thumbDir, 0o755); err != nil {
				return err
			}
			for i, d := range list {
				if len(d.Thumbnail) == 0 {
					continue
				}
				name := fmt.Sprintf("%02d-%s.png", i+1, safeName(d.Name))
				if err := os.WriteFile(filepath.Join(thumbDir, name), d.Thumbnail, 0o644); err != nil {
					return err
				}
			}
			f.Info("Thumbnails written to " + thumbDir)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&opts.Kinds, "kinds", opts.Kinds, "Source kinds to list (screen, window)")
	cmd.Flags().IntVar(&opts.ThumbnailSize, "thumbnail-size", opts.ThumbnailSize, "Longest thumbnail side in pixels")
	cmd.Flags().StringVar(&thumbDir, "thumbnails", "", "Write PNG thumbnails to this directory")
	return cmd
}

func safeName(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
	if s == "" {
		return "source"
	}
	return s
}

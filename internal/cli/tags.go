package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/nicolasdb/time-tracker-webapp/internal/domain"
)

// TagOutput reports the naming of a tag.
type TagOutput struct {
	TagID    string  `json:"tag_id"`
	Name     *string `json:"name"`
	Category *string `json:"category"`
}

// NewTagsCommand creates the tags command group.
func NewTagsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tags",
		Short: "Name and categorise tags",
	}
	cmd.AddCommand(newTagsAssignCommand(rootOpts))
	return cmd
}

func newTagsAssignCommand(rootOpts *RootOptions) *cobra.Command {
	var tagID, name, category string
	cmd := &cobra.Command{
		Use:   "assign --tag <tag-id> [--name N] [--category C]",
		Short: "Set the name and category shown for a tag's time blocks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if tagID == "" {
				return NewExitError(ExitCommandError, "--tag is required")
			}
			meta := domain.TagMetadata{}
			if cmd.Flags().Changed("name") {
				meta.Name = &name
			}
			if cmd.Flags().Changed("category") {
				meta.Category = &category
			}
			return withStore(cmd.Context(), rootOpts, func(store Store) error {
				if err := store.AssignTag(cmd.Context(), tagID, meta); err != nil {
					return WrapExitError(ExitFailure, "assign tag", err)
				}
				out := TagOutput{TagID: tagID, Name: meta.Name, Category: meta.Category}
				f := formatter{format: rootOpts.Format, w: cmd.OutOrStdout()}
				return f.emit(out, func(w io.Writer) {
					fmt.Fprintf(w, "tag %s: name=%s category=%s\n", tagID, orNone(meta.Name), orNone(meta.Category))
				})
			})
		},
	}
	cmd.Flags().StringVar(&tagID, "tag", "", "tag id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&category, "category", "", "category")
	return cmd
}

func orNone(v *string) string {
	if v == nil {
		return "(none)"
	}
	return *v
}

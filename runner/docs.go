package runner

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/lithammer/dedent"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/webtests/asynctest/asynctest"
)

func newDocsCmd(catalog *asynctest.Catalog) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "docs",
		Short: "Generate markdown documentation of the test catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			binary := "./" + filepath.Base(os.Args[0])
			if output == "" {
				return writeDocs(cmd.OutOrStdout(), binary, catalog)
			}
			if fi, err := os.Stat(output); err == nil && fi.IsDir() {
				output = filepath.Join(output, toMarkdownFileName(catalog.Name))
			}
			f, err := os.Create(output)
			if err != nil {
				return errors.Wrap(err, "can't create docs file")
			}
			defer f.Close()
			return writeDocs(f, binary, catalog)
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "Write to this file or directory instead of stdout")
	return cmd
}

func toMarkdownLink(title string) string {
	removeChars := []string{":", "#", "'", "\"", "`", "*", "+", ",", ";", "."}
	title = strings.ReplaceAll(strings.ToLower(title), " ", "-")
	for _, invalidChar := range removeChars {
		title = strings.ReplaceAll(title, invalidChar, "")
	}
	return title
}

func toMarkdownFileName(title string) string {
	title = strings.ReplaceAll(strings.ToUpper(title), " ", "-")
	return fmt.Sprintf("TESTS-%s.md", title)
}

func description(text string) string {
	desc := strings.TrimSpace(dedent.Dedent(text))
	// Single quotes become backticks, which can't appear in raw string
	// literals.
	return strings.ReplaceAll(desc, "'", "`")
}

func commandLine(sb *strings.Builder, binary, pattern string) {
	sb.WriteString("<details>\n")
	sb.WriteString("<summary>Command-line</summary>\n\n")
	if pattern == "" {
		fmt.Fprintf(sb, "```bash\n%s run\n```\n\n", binary)
	} else {
		fmt.Fprintf(sb, "```bash\n%s run %q\n```\n\n", binary, pattern)
	}
	sb.WriteString("</details>\n\n")
}

// requirements lists the categories and features a test depends on.
func requirements(fixture *asynctest.FixtureAttribute, test *asynctest.TestAttribute) string {
	var cats, feats []string
	if fixture != nil {
		cats = append(cats, fixture.Categories...)
		feats = append(feats, fixture.Features...)
	}
	cats = append(cats, test.Categories...)
	feats = append(feats, test.Features...)

	var parts []string
	if len(cats) > 0 {
		parts = append(parts, "Categories: "+strings.Join(cats, ", "))
	}
	if len(feats) > 0 {
		parts = append(parts, "Features: "+strings.Join(feats, ", "))
	}
	return strings.Join(parts, ". ")
}

// writeDocs renders the catalog as markdown.
func writeDocs(w io.Writer, binary string, catalog *asynctest.Catalog) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# `%s` - Test Cases\n\n", catalog.Name)
	sb.WriteString("## Run Catalog\n\n")
	commandLine(&sb, binary, "")

	var fixtures []*asynctest.Type
	for _, t := range catalog.Types {
		if !t.Unexported && t.FixtureAttributeOf() != nil {
			fixtures = append(fixtures, t)
		}
	}
	if len(fixtures) > 1 {
		sb.WriteString("## Fixtures\n\n")
		for _, t := range fixtures {
			fmt.Fprintf(&sb, "- [%s](#%s)\n", t.Name, toMarkdownLink(t.Name))
		}
		sb.WriteString("\n")
	}

	for _, t := range fixtures {
		fmt.Fprintf(&sb, "## %s\n\n", t.Name)
		if t.Description != "" {
			fmt.Fprintf(&sb, "%s\n\n", description(t.Description))
		}
		commandLine(&sb, binary, t.Name+"/")

		fixture := t.FixtureAttributeOf()
		for cur := t; cur != nil; cur = cur.Base {
			for _, m := range cur.Methods {
				if m.Test == nil {
					continue
				}
				fmt.Fprintf(&sb, "### %s.%s\n\n", t.Name, m.Name)
				if m.Description != "" {
					fmt.Fprintf(&sb, "%s\n\n", description(m.Description))
				}
				if req := requirements(fixture, m.Test); req != "" {
					fmt.Fprintf(&sb, "%s.\n\n", req)
				}
				commandLine(&sb, binary, fmt.Sprintf("%s/^%s$", t.Name, m.Name))
			}
		}
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

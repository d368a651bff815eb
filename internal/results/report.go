package results

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/pkg/errors"
)

// Format is the encoding of a report.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat validates a report format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatJSON, FormatYAML:
		return f, nil
	}
	return "", fmt.Errorf("unknown report format %q", s)
}

// ReportWriter writes one report file per session into a directory.
type ReportWriter struct {
	Dir    string
	Format Format
}

// Write writes the report of s. The file is named after the session start
// time and instance id.
func (w *ReportWriter) Write(s *Session) error {
	if err := os.MkdirAll(w.Dir, 0755); err != nil {
		return errors.Wrap(err, "can't create results directory")
	}
	format := w.Format
	if format == "" {
		format = FormatJSON
	}
	name := fmt.Sprintf("%d-%s.%s", s.Start.Unix(), s.Instance, format)
	f, err := os.Create(filepath.Join(w.Dir, name))
	if err != nil {
		return errors.Wrap(err, "can't create report")
	}
	defer f.Close()
	if err := Encode(f, format, s); err != nil {
		return errors.Wrapf(err, "can't write %s", name)
	}
	return nil
}

// Encode writes v to out in the given format.
func Encode(out io.Writer, format Format, v any) error {
	switch format {
	case FormatYAML:
		enc, err := yaml.Marshal(v)
		if err != nil {
			return err
		}
		_, err = out.Write(enc)
		return err
	default:
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
}

package lib

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"
)

// Colors used by Pretty renderings. They are disabled when stdout is not a
// terminal or NO_COLOR is set.
const (
	Red    = color.FgRed
	Green  = color.FgGreen
	Yellow = color.FgYellow
	Blue   = color.FgBlue
)

// Colorize renders text in c.
func Colorize(text string, c color.Attribute) string {
	return color.New(c).Sprint(text)
}

// Field is one labelled line of a Pretty rendering.
type Field struct {
	Label string
	Value any
}

// PrettyFields renders fields as "Label: value" lines with colored labels.
func PrettyFields(fields ...Field) string {
	var sb strings.Builder
	for _, f := range fields {
		fmt.Fprintf(&sb, "%s %v\n", Colorize(f.Label+":", Blue), f.Value)
	}
	return sb.String()
}

type FormatType string

const (
	Pretty FormatType = "pretty"
	Text   FormatType = "text"
	JSON   FormatType = "json"
	YAML   FormatType = "yaml"
	Table  FormatType = "table"
)

// Formattable is implemented by everything the CLI prints.
type Formattable interface {
	String() string
	Pretty() string
	TableHeaders() []string
	TableRow() []string
}

// FormatOutput renders data in the requested format. JSON and YAML render the
// whole slice, the other formats render one entry per line or row.
func FormatOutput[T Formattable](data []T, format FormatType) (string, error) {
	switch format {
	case Text:
		lines := make([]string, 0, len(data))
		for _, item := range data {
			lines = append(lines, item.String())
		}
		return strings.Join(lines, "\n"), nil
	case Pretty:
		blocks := make([]string, 0, len(data))
		for _, item := range data {
			blocks = append(blocks, item.Pretty())
		}
		return strings.Join(blocks, "\n"), nil
	case JSON:
		j, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return "", err
		}
		return string(j), nil
	case YAML:
		y, err := yaml.Marshal(data)
		if err != nil {
			return "", err
		}
		return string(y), nil
	case Table:
		if len(data) == 0 {
			return "", nil
		}
		buffer := new(bytes.Buffer)
		table := tablewriter.NewWriter(buffer)
		table.SetHeader(data[0].TableHeaders())
		table.SetBorder(true)
		for _, item := range data {
			table.Append(item.TableRow())
		}
		table.Render()
		return buffer.String(), nil
	default:
		return "", fmt.Errorf("unknown format: %v", format)
	}
}

// WriteOutput formats data and writes it to w followed by a newline.
func WriteOutput[T Formattable](w io.Writer, data []T, format FormatType) error {
	output, err := FormatOutput(data, format)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, strings.TrimRight(output, "\n"))
	return err
}

// ParseFormatType converts a string format to a FormatType.
func ParseFormatType(format string) (FormatType, error) {
	switch f := FormatType(strings.ToLower(format)); f {
	case Pretty, Text, JSON, YAML, Table:
		return f, nil
	default:
		return "", fmt.Errorf("unknown format: %s", format)
	}
}

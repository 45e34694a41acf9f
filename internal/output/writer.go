// Package output renders a collection envelope in one of the formats
// understood by the schedulers that invoke kvm-monitor.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"kvm-monitor/internal/model"
)

type Format string

const (
	FormatJSON     Format = "json"
	FormatYAML     Format = "yaml"
	FormatLine     Format = "line"
	FormatTelegraf Format = "telegraf"
	FormatRaxMaas  Format = "rax-maas"
	FormatTable    Format = "table"
)

func (f Format) IsUnknown() bool {
	switch f {
	case FormatJSON, FormatYAML, FormatLine, FormatTelegraf, FormatRaxMaas, FormatTable:
		return false
	default:
		return true
	}
}

func SupportedFormats() []string {
	return []string{
		string(FormatJSON),
		string(FormatYAML),
		string(FormatLine),
		string(FormatTelegraf),
		string(FormatRaxMaas),
		string(FormatTable),
	}
}

type Writer struct {
	format Format
	out    io.Writer
}

// NewWriter returns a writer for format. A nil out writes to stdout.
func NewWriter(format Format, out io.Writer) (*Writer, error) {
	if format.IsUnknown() {
		return nil, fmt.Errorf("unknown output format %q", format)
	}
	if out == nil {
		out = os.Stdout
	}
	return &Writer{format: format, out: out}, nil
}

func (w *Writer) Write(env model.Envelope) error {
	switch w.format {
	case FormatJSON:
		return w.writeJSON(env)
	case FormatYAML:
		return w.writeYAML(env)
	case FormatLine:
		return w.writeLine(env)
	case FormatTelegraf:
		return w.writeTelegraf(env)
	case FormatRaxMaas:
		return w.writeRaxMaas(env)
	case FormatTable:
		return w.writeTable(env)
	default:
		return fmt.Errorf("unsupported format: %s", w.format)
	}
}

func (w *Writer) writeJSON(env model.Envelope) error {
	enc := json.NewEncoder(w.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(env); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}

func (w *Writer) writeYAML(env model.Envelope) error {
	enc := yaml.NewEncoder(w.out)
	enc.SetIndent(2)
	if err := enc.Encode(env); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	return enc.Close()
}

// writeLine prints "name value" per variable, or the status message when
// the collection failed.
func (w *Writer) writeLine(env model.Envelope) error {
	if !env.OK() {
		_, err := fmt.Fprintln(w.out, env.Message)
		return err
	}
	for _, k := range sortedKeys(env.Variables) {
		if _, err := fmt.Fprintf(w.out, "%s %d\n", k, env.Variables[k]); err != nil {
			return err
		}
	}
	return nil
}

// writeTelegraf emits one InfluxDB line protocol record with meta as tags.
// Failed collections produce no record.
func (w *Writer) writeTelegraf(env model.Envelope) error {
	if !env.OK() || len(env.Variables) == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteString(escapeLP(env.MeasurementName))
	for _, k := range sortedKeys(env.Meta) {
		fmt.Fprintf(&b, ",%s=%s", escapeLP(k), escapeLP(fmt.Sprint(env.Meta[k])))
	}
	b.WriteByte(' ')
	for i, k := range sortedKeys(env.Variables) {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%di", escapeLP(k), env.Variables[k])
	}
	b.WriteByte('\n')
	_, err := io.WriteString(w.out, b.String())
	return err
}

func (w *Writer) writeRaxMaas(env model.Envelope) error {
	status := "okay"
	if !env.OK() {
		status = "error"
	}
	if _, err := fmt.Fprintf(w.out, "status %s %s\n", status, env.Message); err != nil {
		return err
	}
	for _, k := range sortedKeys(env.Variables) {
		if _, err := fmt.Fprintf(w.out, "metric %s int64 %d\n", k, env.Variables[k]); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeTable(env model.Envelope) error {
	tw := tabwriter.NewWriter(w.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FIELD\tVALUE")
	fmt.Fprintln(tw, "-----\t-----")
	fmt.Fprintf(tw, "measurement_name\t%s\n", env.MeasurementName)
	for _, k := range sortedKeys(env.Meta) {
		fmt.Fprintf(tw, "meta.%s\t%v\n", k, env.Meta[k])
	}
	for _, k := range sortedKeys(env.Variables) {
		fmt.Fprintf(tw, "variables.%s\t%d\n", k, env.Variables[k])
	}
	fmt.Fprintf(tw, "exit_code\t%d\n", env.ExitCode)
	fmt.Fprintf(tw, "message\t%s\n", env.Message)
	return tw.Flush()
}

var lpEscaper = strings.NewReplacer(",", `\,`, "=", `\=`, " ", `\ `)

func escapeLP(s string) string {
	return lpEscaper.Replace(s)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

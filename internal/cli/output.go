// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-envelope.
//
// go-envelope is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/jeremyhahn/go-envelope/pkg/envelope"
	"github.com/jeremyhahn/go-envelope/pkg/kek"
)

// OutputFormat defines the output format type
type OutputFormat string

const (
	OutputFormatText OutputFormat = "text"
	OutputFormatJSON OutputFormat = "json"
)

// Printer handles formatted output
type Printer struct {
	format OutputFormat
	writer io.Writer
}

// NewPrinter creates a new Printer
func NewPrinter(format string, writer io.Writer) *Printer {
	if format == "" {
		format = string(OutputFormatText)
	}
	return &Printer{
		format: OutputFormat(format),
		writer: writer,
	}
}

// PrintKEK prints a newly provisioned KEK id
func (p *Printer) PrintKEK(id string, kind kek.Kind) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]string{"kek_id": id, "provider": kind.String()})
	case OutputFormatText:
		fmt.Fprintf(p.writer, "KEK provisioned: %s\n", id)
		if kind == kek.KindRemote {
			fmt.Fprintf(p.writer, "Set kms.kek_id (or ENVELOPE_KMS_KEK_ID) to %s to seal under it\n", id)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintSealed prints a summary of a sealed secret, never its contents
func (p *Printer) PrintSealed(secret *envelope.SealedSecret, location string) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]any{
			"name":     secret.Name,
			"kek_id":   secret.WrappedDEK.KEKID,
			"version":  secret.Version,
			"location": location,
		})
	case OutputFormatText:
		fmt.Fprintf(p.writer, "Sealed %s under KEK %s (%s)\n", secret.Name, secret.WrappedDEK.KEKID, location)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintSecretList prints stored secret names
func (p *Printer) PrintSecretList(names []string) error {
	switch p.format {
	case OutputFormatJSON:
		if names == nil {
			names = []string{}
		}
		return p.printJSON(map[string]any{"secrets": names})
	case OutputFormatText:
		if len(names) == 0 {
			fmt.Fprintln(p.writer, "No secrets found")
			return nil
		}
		fmt.Fprintln(p.writer, "Secrets:")
		for _, name := range names {
			fmt.Fprintf(p.writer, "  - %s\n", name)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintStatus prints the result of a provider probe
func (p *Printer) PrintStatus(kind kek.Kind, target string) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]string{"provider": kind.String(), "target": target, "status": "ok"})
	case OutputFormatText:
		fmt.Fprintf(p.writer, "%s provider OK (%s)\n", kind, target)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintError prints an error message
func (p *Printer) PrintError(err error) error {
	if p.format == OutputFormatJSON {
		return p.printJSON(map[string]string{"error": err.Error()})
	}
	_, werr := fmt.Fprintf(p.writer, "Error: %v\n", err)
	return werr
}

func (p *Printer) printJSON(v any) error {
	encoder := json.NewEncoder(p.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

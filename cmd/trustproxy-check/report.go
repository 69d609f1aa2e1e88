// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// printer renders reports, in color when writing to a terminal.
type printer struct {
	out     io.Writer
	heading lipgloss.Style
	label   lipgloss.Style
	good    lipgloss.Style
	warn    lipgloss.Style
	bad     lipgloss.Style
}

func newPrinter(out io.Writer, color bool) *printer {
	profile := termenv.Ascii
	if color {
		profile = termenv.ANSI256
	}
	// SetColorProfile pins the profile; the renderer would otherwise
	// re-detect it from out.
	renderer := lipgloss.NewRenderer(out, termenv.WithProfile(profile))
	renderer.SetColorProfile(profile)
	return &printer{
		out:     out,
		heading: renderer.NewStyle().Bold(true),
		label:   renderer.NewStyle().Faint(true),
		good:    renderer.NewStyle().Foreground(lipgloss.Color("42")),
		warn:    renderer.NewStyle().Foreground(lipgloss.Color("214")),
		bad:     renderer.NewStyle().Foreground(lipgloss.Color("196")),
	}
}

func (p *printer) section(title string) {
	fmt.Fprintln(p.out, p.heading.Render(fmt.Sprintf("── %s ", title)+strings.Repeat("─", max(0, 40-len(title)))))
}

// Report prints one cycle's outcome.
func (p *printer) Report(report *Report) {
	local := report.Local
	p.section("local device")
	fmt.Fprintf(p.out, "%s version %s\n", local.Info.PlatformMarketingName, local.Info.RestFrameworkVersion)
	fmt.Fprintln(p.out, local.Info.Hostname)
	fmt.Fprintf(p.out, "%s %s\n", p.label.Render("id:"), local.Info.MachineID)
	certificateID := local.CertificateID
	if certificateID == "" {
		certificateID = p.warn.Render("none")
	}
	fmt.Fprintf(p.out, "%s %s\n", p.label.Render("certificate id:"), certificateID)

	p.section("proxy trust tokens")
	if len(report.Tokens) == 0 {
		fmt.Fprintln(p.out, p.warn.Render("no trust tokens"))
	}
	for _, token := range report.Tokens {
		target := fmt.Sprintf("%s:%d", token.Host, token.Port)
		switch {
		case !token.HasTimestamp:
			fmt.Fprintf(p.out, "have a trust token for %s (no timestamp)\n", target)
		case token.Remaining <= 0:
			fmt.Fprintf(p.out, "have a trust token for %s %s\n", target, p.bad.Render("expired"))
		default:
			remaining := p.good.Render(fmt.Sprintf("%d seconds", int(token.Remaining/time.Second)))
			fmt.Fprintf(p.out, "have a trust token for %s for another %s\n", target, remaining)
		}
	}

	p.section("trusts")
	for _, peer := range report.Peers {
		target := fmt.Sprintf("%s:%d", peer.Host, peer.Port)
		if peer.Err != nil {
			fmt.Fprintf(p.out, "%s %s\n", target, p.bad.Render("unreachable: "+peer.Err.Error()))
			continue
		}
		description := fmt.Sprintf("%s at %s (%s [%s] machineId: %s certificateId: %s)",
			peer.Info.Hostname, target,
			peer.Info.PlatformMarketingName, peer.Info.RestFrameworkVersion,
			peer.Info.MachineID, peer.CertificateID,
		)
		if peer.TrustsMe {
			fmt.Fprintf(p.out, "%s %s\n", description, p.good.Render("trusts me"))
		} else {
			fmt.Fprintf(p.out, "%s %s\n", description, p.warn.Render("does not trust me"))
		}
	}
}

// Failure prints a failed cycle.
func (p *printer) Failure(err error) {
	fmt.Fprintln(p.out, p.bad.Render("check cycle failed: "+err.Error()))
}

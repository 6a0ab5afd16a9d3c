// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	spice "github.com/tenthirtyam/go-spice"
)

type channelReport struct {
	Channel     string `yaml:"channel"`
	State       string `yaml:"state"`
	Version     string `yaml:"version,omitempty"`
	Layout      string `yaml:"header_layout,omitempty"`
	CommonCaps  string `yaml:"common_caps,omitempty"`
	ChannelCaps string `yaml:"channel_caps,omitempty"`
	Ticket      bool   `yaml:"ticket"`
	Error       string `yaml:"error,omitempty"`
}

type report struct {
	Session  string          `yaml:"session"`
	Address  string          `yaml:"address"`
	Channels []channelReport `yaml:"channels"`
	Linked   int             `yaml:"linked"`
	Failed   int             `yaml:"failed"`
}

func buildReport(session *spice.Session, results []spice.JoinResult) *report {
	rep := &report{
		Session:  session.ID().String(),
		Address:  session.Address(),
		Channels: make([]channelReport, 0, len(results)),
	}
	for _, r := range results {
		cr := channelReport{Channel: r.Key.String(), State: spice.StateFailed.String()}
		if r.Conn != nil {
			cr.State = r.Conn.State().String()
			if reply := r.Conn.Reply(); reply != nil {
				cr.Version = fmt.Sprintf("%d.%d", reply.Major, reply.Minor)
				cr.CommonCaps = reply.CommonCaps.String()
				cr.ChannelCaps = reply.ChannelCaps.String()
				cr.Ticket = len(reply.PublicKey) > 0
			}
			if r.Err == nil {
				cr.Layout = r.Conn.HeaderLayout().String()
			}
		}
		if r.Err != nil {
			cr.Error = r.Err.Error()
			rep.Failed++
		} else {
			rep.Linked++
		}
		rep.Channels = append(rep.Channels, cr)
	}
	return rep
}

func (r *report) write(w io.Writer, format string) error {
	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	}

	fmt.Fprintf(w, "session %s at %s\n\n", r.Session, r.Address)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CHANNEL\tSTATE\tVERSION\tHEADER\tCOMMON\tCHANNEL CAPS\tTICKET\tERROR")
	for _, c := range r.Channels {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
			c.Channel, c.State, dash(c.Version), dash(c.Layout),
			dash(c.CommonCaps), dash(c.ChannelCaps), c.Ticket, dash(c.Error))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%d linked, %d failed\n", r.Linked, r.Failed)
	return err
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

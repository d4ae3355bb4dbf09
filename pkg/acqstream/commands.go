package acqstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/norasector/acqstream/pkg/acqstream/command"
	"github.com/norasector/acqstream/pkg/types"
)

// registerCommands installs the built-in commands and those contributed by
// the registered connectors.
func (s *Server) registerCommands() error {
	r := s.commands
	specs := []command.Spec{
		{
			Name:        "help",
			Description: "list the available commands",
			Handler: func(_ context.Context, req *command.Request) (string, error) {
				return r.Help(req.JSON)
			},
		},
		{
			Name:        "status",
			Description: "report the connector state and session counters",
			Handler: func(_ context.Context, req *command.Request) (string, error) {
				st := s.manager.Status()
				if req.JSON {
					return marshal(st)
				}
				text := "state " + st.State
				if st.Session != nil {
					text += fmt.Sprintf("\nconnector %s session %s\nblocks %d samples %d gaps %d",
						st.Session.ConnectorID, st.Session.ID, st.Session.Blocks, st.Session.Samples, st.Session.Buffer.Gaps)
				}
				if st.LastError != "" {
					text += "\nlast error " + st.LastError
				}
				return text, nil
			},
		},
		{
			Name:        "measinfo",
			MaxArgs:     1,
			Usage:       "[clientId|alias]",
			Description: "describe the active measurement, or push it to a data client",
			Handler:     s.measInfo,
		},
		{
			Name:        "list",
			MaxArgs:     1,
			Usage:       "[connectors|clients]",
			Description: "list connectors (default) or connected data clients",
			Handler: func(_ context.Context, req *command.Request) (string, error) {
				switch strings.ToLower(req.Arg(0)) {
				case "", "connectors":
					return s.listConnectors(req)
				case "clients":
					return s.listClients(req)
				}
				return "", fmt.Errorf("%w: unknown list %q", command.ErrMalformedCommand, req.Arg(0))
			},
		},
		{
			Name:        "conlist",
			Description: "list connectors",
			Handler: func(_ context.Context, req *command.Request) (string, error) {
				return s.listConnectors(req)
			},
		},
		{
			Name:        "clist",
			Description: "list connected data clients",
			Handler: func(_ context.Context, req *command.Request) (string, error) {
				return s.listClients(req)
			},
		},
		{
			Name:        "start",
			MinArgs:     1,
			MaxArgs:     1,
			Usage:       "<connectorId>",
			Description: "open a connector and stream it to all data clients",
			Handler: func(ctx context.Context, req *command.Request) (string, error) {
				sess, err := s.manager.Start(ctx, req.Arg(0))
				if err != nil {
					return "", err
				}
				if req.JSON {
					return marshal(map[string]string{"connector": sess.ConnectorID, "session": sess.ID})
				}
				return fmt.Sprintf("started %s session %s", sess.ConnectorID, sess.ID), nil
			},
		},
		{
			Name:        "stop",
			Description: "stop the active connector",
			Handler: func(context.Context, *command.Request) (string, error) {
				if err := s.manager.Stop(); err != nil {
					return "", err
				}
				return "stopped", nil
			},
		},
		{
			Name:        "close",
			Description: "close this command connection",
			Handler: func(_ context.Context, req *command.Request) (string, error) {
				if req.Close != nil {
					req.Close()
				}
				return "bye", nil
			},
		},
	}
	for _, spec := range specs {
		if err := r.Register(spec); err != nil {
			return err
		}
	}
	if err := r.Alias("stop-all", "stop"); err != nil {
		return err
	}

	for _, reg := range s.manager.registrations() {
		for _, spec := range reg.Commands {
			err := r.Register(spec)
			if errors.Is(err, command.ErrDuplicateCommand) {
				// A second connector of the same kind gets its commands
				// under its own prefix.
				spec.Name = reg.ID + "." + spec.Name
				err = r.Register(spec)
			}
			if err != nil {
				return fmt.Errorf("connector %s: %w", reg.ID, err)
			}
		}
	}
	return nil
}

func marshal(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type measInfoReply struct {
	Connector    string              `json:"connector"`
	Session      string              `json:"session"`
	SamplingRate float64             `json:"sampling_rate"`
	BufferSize   uint32              `json:"buffer_size"`
	Channels     []types.ChannelInfo `json:"channels"`
}

func (s *Server) measInfo(_ context.Context, req *command.Request) (string, error) {
	sess, err := s.manager.ActiveInfo()
	if err != nil {
		return "", err
	}

	if key := req.Arg(0); key != "" {
		if err := s.data.SendInfo(key, sess); err != nil {
			return "", err
		}
		return "measurement info sent to client " + key, nil
	}

	info := sess.Info
	if req.JSON {
		return marshal(measInfoReply{
			Connector:    sess.ConnectorID,
			Session:      sess.ID,
			SamplingRate: info.SamplingRate,
			BufferSize:   info.BufferSizeSamples,
			Channels:     info.Channels,
		})
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "connector %s session %s\n", sess.ConnectorID, sess.ID)
	fmt.Fprintf(&sb, "sfreq %.3f Hz, %d channels, %d samples per buffer", info.SamplingRate, info.NumChannels(), info.BufferSizeSamples)
	for _, ch := range info.Channels {
		fmt.Fprintf(&sb, "\n%-12s %-5s %-5s cal=%g", ch.Name, ch.Kind, ch.Unit, ch.Calibration)
	}
	return sb.String(), nil
}

func (s *Server) listConnectors(req *command.Request) (string, error) {
	list := s.manager.Connectors()
	if req.JSON {
		return marshal(map[string]interface{}{"connectors": list})
	}
	if len(list) == 0 {
		return "no connectors", nil
	}
	lines := make([]string, 0, len(list))
	for _, c := range list {
		line := fmt.Sprintf("%-12s %-10s %-24s %s/%d", c.ID, c.Kind, c.DisplayName, c.Policy, c.Capacity)
		if c.Active {
			line += " (active)"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n"), nil
}

func (s *Server) listClients(req *command.Request) (string, error) {
	clients := s.data.Clients()
	if req.JSON {
		return marshal(map[string]interface{}{"clients": clients})
	}
	if len(clients) == 0 {
		return "no clients", nil
	}
	lines := make([]string, 0, len(clients))
	for _, c := range clients {
		alias := c.Alias
		if alias == "" {
			alias = "-"
		}
		lines = append(lines, fmt.Sprintf("%-6d %-12s %-22s tags=%d gaps=%d", c.ID, alias, c.Remote, c.Tags, c.Gaps))
	}
	return strings.Join(lines, "\n"), nil
}

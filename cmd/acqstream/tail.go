package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/norasector/acqstream/pkg/acqstream/client"
	"github.com/norasector/acqstream/pkg/fifftag"
)

// tail follows the data channel. With --out it records the first session as
// an INFO tag followed by its DATA tags, the format the simulator replays.
func newTailCmd() *cobra.Command {
	var (
		addr  string
		alias string
		count int
		out   string
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow the data stream and print or record its tags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dc, err := client.DialData(ctx, addr)
			if err != nil {
				return err
			}
			defer dc.Close()

			if alias != "" {
				if err := dc.SetAlias(alias); err != nil {
					return err
				}
			}
			if err := dc.RequestClientID(); err != nil {
				return err
			}

			var rec *recorder
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				rec = newRecorder(f)
				defer func() {
					if err := rec.Close(); err != nil {
						log.Error().Err(err).Str("file", out).Msg("error closing recording")
					}
				}()
			}

			w := cmd.OutOrStdout()
			blocks := 0
			for count <= 0 || blocks < count {
				ev, err := dc.Next(ctx)
				if err != nil {
					if errors.Is(err, io.EOF) || ctx.Err() != nil {
						return nil
					}
					return err
				}
				if rec != nil {
					done, err := rec.add(ev)
					if err != nil {
						return err
					}
					if done {
						return nil
					}
				}

				switch ev.Tag.Kind {
				case fifftag.KindClientID:
					fmt.Fprintf(w, "client id %d\n", ev.ClientID)
				case fifftag.KindInfo:
					m := ev.Info.Measurement
					fmt.Fprintf(w, "info connector=%s session=%s sfreq=%.3f channels=%d\n",
						ev.Info.ConnectorID, ev.Info.Session, m.SamplingRate, m.NumChannels())
				case fifftag.KindData:
					blocks++
					fmt.Fprintf(w, "data first=%d samples=%d\n", ev.Block.FirstSample, ev.Block.Samples())
				case fifftag.KindGap:
					fmt.Fprintf(w, "gap %d\n", ev.Gap)
				case fifftag.KindEnd:
					fmt.Fprintf(w, "end %s\n", ev.End)
					if ev.End == fifftag.EndShutdown {
						return nil
					}
				case fifftag.KindReset:
					fmt.Fprintf(w, "reset %s\n", ev.Message)
				case fifftag.KindError:
					fmt.Fprintf(w, "error %s\n", ev.Message)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", "127.0.0.1:4218", "data server address")
	cmd.Flags().StringVar(&alias, "alias", "", "register this client under an alias")
	cmd.Flags().IntVarP(&count, "count", "n", 0, "stop after this many data blocks (0 follows forever)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "record the first session to this file")
	return cmd
}

type recorder struct {
	f       *os.File
	bw      *bufio.Writer
	w       *fifftag.Writer
	started bool
}

func newRecorder(f *os.File) *recorder {
	bw := bufio.NewWriter(f)
	return &recorder{f: f, bw: bw, w: fifftag.NewWriter(bw)}
}

// add writes the tags of the first session and reports when it is over.
func (r *recorder) add(ev *client.Event) (bool, error) {
	switch ev.Tag.Kind {
	case fifftag.KindInfo:
		if r.started {
			// A pushed INFO of the same session, or the next session.
			return false, nil
		}
		r.started = true
		return false, r.w.WriteTag(ev.Tag)
	case fifftag.KindData:
		if !r.started {
			return false, nil
		}
		return false, r.w.WriteTag(ev.Tag)
	case fifftag.KindEnd, fifftag.KindReset, fifftag.KindError:
		return r.started, nil
	}
	return false, nil
}

func (r *recorder) Close() error {
	if err := r.bw.Flush(); err != nil {
		r.f.Close()
		return err
	}
	return r.f.Close()
}

package command

import (
	"fmt"
	"net/textproto"
	"strings"
)

// Response is the answer to one command. On the wire it is a status line
// "OK <payload>" or "ERR <payload>", any further payload lines, and a line
// holding a single ".".
type Response struct {
	OK      bool
	Payload string
}

func OK(payload string) Response {
	return Response{OK: true, Payload: payload}
}

func Err(payload string) Response {
	return Response{Payload: payload}
}

func (r Response) String() string {
	status := "ERR"
	if r.OK {
		status = "OK"
	}
	if r.Payload == "" {
		return status
	}
	return status + " " + r.Payload
}

func WriteResponse(w *textproto.Writer, r Response) error {
	dw := w.DotWriter()
	if _, err := fmt.Fprintln(dw, strings.TrimRight(r.String(), "\r\n")); err != nil {
		dw.Close()
		return err
	}
	return dw.Close()
}

func ReadResponse(r *textproto.Reader) (Response, error) {
	lines, err := r.ReadDotLines()
	if err != nil {
		return Response{}, err
	}
	if len(lines) == 0 {
		return Response{}, fmt.Errorf("%w: empty response", ErrMalformedCommand)
	}

	status, payload, _ := strings.Cut(lines[0], " ")
	var resp Response
	switch status {
	case "OK":
		resp.OK = true
	case "ERR":
	default:
		return Response{}, fmt.Errorf("%w: bad status line %q", ErrMalformedCommand, lines[0])
	}
	resp.Payload = strings.Join(append([]string{payload}, lines[1:]...), "\n")
	return resp, nil
}

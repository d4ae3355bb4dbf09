// Package command parses control lines and dispatches them to registered
// handlers.
package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/shlex"
)

var (
	ErrMalformedCommand = errors.New("malformed command")
	ErrUnknownCommand   = errors.New("unknown command")
	ErrDuplicateCommand = errors.New("command already registered")
	ErrInternal         = errors.New("internal error")
)

// Command is a parsed control line.
type Command struct {
	Name string
	Args []string
	// JSON is set when the command arrived in JSON form; handlers should then
	// answer with a JSON payload.
	JSON bool
}

func (c *Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Arg returns argument i or "" when absent.
func (c *Command) Arg(i int) string {
	if i < len(c.Args) {
		return c.Args[i]
	}
	return ""
}

type jsonCommand struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// Parse turns one line into a Command. Plain lines are split shell-style so
// arguments may be quoted; lines starting with '{' are read as
// {"command": "...", "args": [...]}.
func Parse(line string) (*Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, fmt.Errorf("%w: empty line", ErrMalformedCommand)
	}

	if strings.HasPrefix(line, "{") {
		var jc jsonCommand
		if err := json.Unmarshal([]byte(line), &jc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
		}
		name := strings.ToLower(strings.TrimSpace(jc.Command))
		if name == "" {
			return nil, fmt.Errorf("%w: missing command name", ErrMalformedCommand)
		}
		return &Command{Name: name, Args: jc.Args, JSON: true}, nil
	}

	fields, err := shlex.Split(line)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty line", ErrMalformedCommand)
	}
	return &Command{Name: strings.ToLower(fields[0]), Args: fields[1:]}, nil
}

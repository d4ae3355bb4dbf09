package command

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Request carries a parsed command and the connection it came from.
type Request struct {
	*Command
	// Session identifies the control connection.
	Session string
	// Close, when set, ends the control connection after the response is sent.
	Close func()
}

type Handler func(ctx context.Context, req *Request) (string, error)

type Spec struct {
	Name    string
	MinArgs int
	// MaxArgs < 0 accepts any number of arguments.
	MaxArgs     int
	Usage       string
	Description string
	Handler     Handler
}

func (s *Spec) acceptsArgs(n int) bool {
	return n >= s.MinArgs && (s.MaxArgs < 0 || n <= s.MaxArgs)
}

// ErrorFormatter renders a handler error as the payload of an ERR response.
type ErrorFormatter func(err error) string

type Registry struct {
	mu        sync.RWMutex
	specs     map[string]*Spec
	aliases   map[string]string
	formatErr ErrorFormatter
	logger    zerolog.Logger
}

type RegistryOption func(r *Registry)

func WithErrorFormatter(f ErrorFormatter) RegistryOption {
	return func(r *Registry) {
		r.formatErr = f
	}
}

func WithLogger(logger zerolog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		specs:     make(map[string]*Spec),
		aliases:   make(map[string]string),
		formatErr: func(err error) string { return err.Error() },
		logger:    log.Logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Register(spec Spec) error {
	name := strings.ToLower(spec.Name)
	if name == "" || spec.Handler == nil {
		return fmt.Errorf("invalid command spec %q", spec.Name)
	}
	if spec.MaxArgs >= 0 && spec.MaxArgs < spec.MinArgs {
		return fmt.Errorf("command %q: max args %d < min args %d", name, spec.MaxArgs, spec.MinArgs)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exists(name) {
		return fmt.Errorf("%w: %s", ErrDuplicateCommand, name)
	}
	spec.Name = name
	r.specs[name] = &spec
	return nil
}

// Alias makes alias dispatch to the command name.
func (r *Registry) Alias(alias, name string) error {
	alias, name = strings.ToLower(alias), strings.ToLower(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.specs[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	if r.exists(alias) {
		return fmt.Errorf("%w: %s", ErrDuplicateCommand, alias)
	}
	r.aliases[alias] = name
	return nil
}

func (r *Registry) exists(name string) bool {
	_, isSpec := r.specs[name]
	_, isAlias := r.aliases[name]
	return isSpec || isAlias
}

func (r *Registry) lookup(name string) (*Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if target, ok := r.aliases[name]; ok {
		name = target
	}
	spec, ok := r.specs[name]
	return spec, ok
}

// Specs lists registered commands sorted by name.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	out := make([]Spec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, *s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch runs the handler for req. It never panics and never returns a
// response without a status.
func (r *Registry) Dispatch(ctx context.Context, req *Request) (resp Response) {
	spec, ok := r.lookup(req.Name)
	if !ok {
		return Err(fmt.Sprintf("%s: %s", ErrUnknownCommand, req.Name))
	}
	if !spec.acceptsArgs(len(req.Args)) {
		err := fmt.Errorf("%w: usage: %s", ErrMalformedCommand, spec.usageLine())
		return Err(r.formatErr(err))
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().
				Str("command", req.Name).
				Interface("panic", p).
				Msg("command handler panicked")
			resp = Err(r.formatErr(fmt.Errorf("%w: %v", ErrInternal, p)))
		}
	}()

	payload, err := spec.Handler(ctx, req)
	if err != nil {
		return Err(r.formatErr(err))
	}
	return OK(payload)
}

func (s *Spec) usageLine() string {
	if s.Usage == "" {
		return s.Name
	}
	return s.Name + " " + s.Usage
}

type helpEntry struct {
	Usage       string `json:"usage,omitempty"`
	Description string `json:"description"`
}

// Help renders the command list, as text lines or as JSON.
func (r *Registry) Help(asJSON bool) (string, error) {
	specs := r.Specs()
	if asJSON {
		cmds := make(map[string]helpEntry, len(specs))
		for _, s := range specs {
			cmds[s.Name] = helpEntry{Usage: s.Usage, Description: s.Description}
		}
		b, err := json.Marshal(map[string]interface{}{"commands": cmds})
		if err != nil {
			return "", err
		}
		return string(b), nil
	}

	width := 0
	for _, s := range specs {
		if l := len(s.usageLine()); l > width {
			width = l
		}
	}
	var sb strings.Builder
	sb.WriteString("commands:")
	for _, s := range specs {
		fmt.Fprintf(&sb, "\n  %-*s  %s", width, s.usageLine(), s.Description)
	}
	return sb.String(), nil
}

// IsUnknown reports whether resp answers an unregistered command.
func IsUnknown(resp Response) bool {
	return !resp.OK && strings.HasPrefix(resp.Payload, ErrUnknownCommand.Error())
}

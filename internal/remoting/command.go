package remoting

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Mode tells whether a command expects a response.
type Mode int

const (
	RequestResponse Mode = iota
	OneWay
)

func (m Mode) String() string {
	if m == OneWay {
		return "one-way"
	}
	return "request-response"
}

// Handler runs a command on the receiving side. target is the servant the
// command was addressed to.
type Handler[A, R any] func(ctx context.Context, c *Connection, target any, arg *A) (*R, error)

// Command describes a command with argument type A and result type R. Both
// types must be XML-serializable. One-way commands return no result.
type Command[A, R any] struct {
	Name    string
	Mode    Mode
	Handler Handler[A, R]
}

// Call sends the command to the servant with the given object id and waits
// for the result. Cancelling ctx abandons the wait and asks the remote side
// to cancel the operation.
func (cmd *Command[A, R]) Call(ctx context.Context, c *Connection, object int64, arg *A) (*R, error) {
	if cmd.Mode == OneWay {
		return nil, errors.Errorf("%s is a one-way command", cmd.Name)
	}
	payload, err := marshalPayload(arg)
	if err != nil {
		return nil, errors.Wrapf(err, "can't encode %s", cmd.Name)
	}
	data, err := c.call(ctx, cmd.Name, object, payload, false)
	if err != nil {
		return nil, err
	}
	result := new(R)
	if err := unmarshalPayload(data, result); err != nil {
		return nil, &ProtocolError{Reason: "can't decode " + cmd.Name + " result", Err: err}
	}
	return result, nil
}

// Send sends a one-way command.
func (cmd *Command[A, R]) Send(c *Connection, object int64, arg *A) error {
	if cmd.Mode != OneWay {
		return errors.Errorf("%s expects a response", cmd.Name)
	}
	payload, err := marshalPayload(arg)
	if err != nil {
		return errors.Wrapf(err, "can't encode %s", cmd.Name)
	}
	return c.sendCommand(cmd.Name, 0, object, payload)
}

func (cmd *Command[A, R]) name() string { return cmd.Name }
func (cmd *Command[A, R]) mode() Mode   { return cmd.Mode }

func (cmd *Command[A, R]) decode(payload []byte) (any, error) {
	arg := new(A)
	if err := unmarshalPayload(payload, arg); err != nil {
		return nil, err
	}
	return arg, nil
}

func (cmd *Command[A, R]) run(ctx context.Context, c *Connection, target any, arg any) ([]byte, error) {
	if cmd.Handler == nil {
		return nil, errors.Errorf("%s can't be run here", cmd.Name)
	}
	result, err := cmd.Handler(ctx, c, target, arg.(*A))
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	return marshalPayload(result)
}

// dispatcher is the type-erased view of a Command used by the receive loop.
type dispatcher interface {
	name() string
	mode() Mode
	decode(payload []byte) (any, error)
	run(ctx context.Context, c *Connection, target any, arg any) ([]byte, error)
}

// Registry maps command type names to commands.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]dispatcher
}

// NewRegistry creates a registry holding the built-in commands.
func NewRegistry() *Registry {
	r := &Registry{commands: make(map[string]dispatcher)}
	for _, cmd := range builtinCommands() {
		r.add(cmd)
	}
	return r
}

// Register adds a command. Registering a name twice panics.
func Register[A, R any](r *Registry, cmd *Command[A, R]) *Command[A, R] {
	r.add(cmd)
	return cmd
}

func (r *Registry) add(cmd dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.commands[cmd.name()]; dup {
		panic(fmt.Sprintf("remoting: duplicate command %q", cmd.name()))
	}
	r.commands[cmd.name()] = cmd
}

func (r *Registry) lookup(name string) (dispatcher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[name]
	return cmd, ok
}

// Names returns the registered command names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

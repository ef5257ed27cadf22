package hub

import (
	"context"
	"fmt"

	"github.com/outofforest/hub/wire"
)

// Error names of the built-in bus interface.
const (
	errorFailed            = "org.freedesktop.DBus.Error.Failed"
	errorInvalidArgs       = "org.freedesktop.DBus.Error.InvalidArgs"
	errorServiceUnknown    = "org.freedesktop.DBus.Error.ServiceUnknown"
	errorNameHasNoOwner    = "org.freedesktop.DBus.Error.NameHasNoOwner"
	errorMatchRuleInvalid  = "org.freedesktop.DBus.Error.MatchRuleInvalid"
	errorMatchRuleNotFound = "org.freedesktop.DBus.Error.MatchRuleNotFound"
	errorUnknownMethod     = "org.freedesktop.DBus.Error.UnknownMethod"
)

// busError is an application-level failure answered with an error message;
// it never terminates the connection.
type busError struct {
	name    string
	message string
}

func newBusError(name, format string, args ...any) *busError {
	return &busError{name: name, message: fmt.Sprintf(format, args...)}
}

type methodKey struct {
	iface  string
	member string
}

// dispatchResult carries the side effects of a built-in method out of its
// handler: ownership transitions are notified only after the reply has been
// queued so the caller sees the reply before NameAcquired.
type dispatchResult struct {
	changes []ownerChange
}

type busMethod struct {
	signature wire.Signature
	handle    func(r *router, p *peer, args []any, res *dispatchResult) ([]any, *busError)
}

// Built-in interface of the bus driver, dispatched by (interface, member).
var busMethods = map[methodKey]busMethod{
	{busInterface, "Hello"}: {
		handle: func(r *router, p *peer, _ []any, res *dispatchResult) ([]any, *busError) {
			if p.hello {
				return nil, newBusError(errorFailed, "already handled a Hello message")
			}
			p.hello = true
			res.changes = r.register(p)
			return []any{p.name}, nil
		},
	},
	{busInterface, "RequestName"}: {
		signature: "su",
		handle: func(r *router, p *peer, args []any, res *dispatchResult) ([]any, *busError) {
			name := args[0].(string)
			if busErr := validateOwnableName(name); busErr != nil {
				return nil, busErr
			}
			reply, changes := r.names.Request(p.name, name, RequestFlags(args[1].(uint32)))
			res.changes = changes
			return []any{uint32(reply)}, nil
		},
	},
	{busInterface, "ReleaseName"}: {
		signature: "s",
		handle: func(r *router, p *peer, args []any, res *dispatchResult) ([]any, *busError) {
			name := args[0].(string)
			if busErr := validateOwnableName(name); busErr != nil {
				return nil, busErr
			}
			reply, changes := r.names.Release(p.name, name)
			res.changes = changes
			return []any{uint32(reply)}, nil
		},
	},
	{busInterface, "GetNameOwner"}: {
		signature: "s",
		handle: func(r *router, _ *peer, args []any, _ *dispatchResult) ([]any, *busError) {
			name := args[0].(string)
			if name == BusName {
				return []any{BusName}, nil
			}
			owner := r.names.Owner(name)
			if owner == "" {
				return nil, newBusError(errorNameHasNoOwner,
					"could not get owner of name %q: no such name", name)
			}
			return []any{owner}, nil
		},
	},
	{busInterface, "NameHasOwner"}: {
		signature: "s",
		handle: func(r *router, _ *peer, args []any, _ *dispatchResult) ([]any, *busError) {
			name := args[0].(string)
			return []any{name == BusName || r.names.Owner(name) != ""}, nil
		},
	},
	{busInterface, "ListNames"}: {
		handle: func(r *router, _ *peer, _ []any, _ *dispatchResult) ([]any, *busError) {
			return []any{append([]string{BusName}, r.names.ListNames()...)}, nil
		},
	},
	{busInterface, "ListQueuedOwners"}: {
		signature: "s",
		handle: func(r *router, _ *peer, args []any, _ *dispatchResult) ([]any, *busError) {
			return []any{r.names.QueuedOwners(args[0].(string))}, nil
		},
	},
	{busInterface, "GetId"}: {
		handle: func(r *router, _ *peer, _ []any, _ *dispatchResult) ([]any, *busError) {
			return []any{r.guid}, nil
		},
	},
	{busInterface, "AddMatch"}: {
		signature: "s",
		handle: func(r *router, p *peer, args []any, _ *dispatchResult) ([]any, *busError) {
			if err := r.matches.Add(p.name, args[0].(string)); err != nil {
				return nil, newBusError(errorMatchRuleInvalid, "%s", err)
			}
			return nil, nil
		},
	},
	{busInterface, "RemoveMatch"}: {
		signature: "s",
		handle: func(r *router, p *peer, args []any, _ *dispatchResult) ([]any, *busError) {
			if err := r.matches.Remove(p.name, args[0].(string)); err != nil {
				return nil, newBusError(errorMatchRuleNotFound, "%s", err)
			}
			return nil, nil
		},
	},
	{peerInterface, "Ping"}: {
		handle: func(*router, *peer, []any, *dispatchResult) ([]any, *busError) {
			return nil, nil
		},
	},
}

func validateOwnableName(name string) *busError {
	if !wire.IsValidBusName(name) {
		return newBusError(errorInvalidArgs, "%q is not a valid bus name", name)
	}
	if name[0] == ':' || name == BusName {
		return newBusError(errorInvalidArgs, "cannot acquire or release reserved name %q", name)
	}
	return nil
}

// serveBus handles a message addressed to the bus itself, answering within
// the same routing step. Non-calls addressed to the bus are dropped.
func (r *router) serveBus(ctx context.Context, p *peer, msg *wire.Message) error {
	if msg.Type != wire.TypeMethodCall {
		return nil
	}

	r.opMu.Lock()
	defer r.opMu.Unlock()

	method, exists := busMethods[methodKey{msg.Interface, msg.Member}]
	if !exists && msg.Interface == "" {
		// Calls may omit the interface.
		for _, iface := range []string{busInterface, peerInterface} {
			if method, exists = busMethods[methodKey{iface, msg.Member}]; exists {
				break
			}
		}
	}
	if !exists {
		r.replyError(p, msg, newBusError(errorUnknownMethod,
			"unknown method %s.%s", msg.Interface, msg.Member))
		return nil
	}

	if msg.Signature != method.signature {
		r.replyError(p, msg, newBusError(errorInvalidArgs,
			"method %s expects signature %q, got %q", msg.Member, method.signature, msg.Signature))
		return nil
	}
	args, err := wire.UnmarshalBody(msg.Order, msg.Signature, msg.Body)
	if err != nil {
		r.replyError(p, msg, newBusError(errorInvalidArgs, "%s", err))
		return nil
	}

	res := &dispatchResult{}
	body, busErr := method.handle(r, p, args, res)
	if busErr != nil {
		r.replyError(p, msg, busErr)
	} else {
		r.replyReturn(p, msg, body...)
	}
	r.notifyOwnerChanges(ctx, res.changes)
	return nil
}

// Package contract implements §4.6's endpoint and contract model: a
// ServiceContract is a named map of MethodRegistrations (optionally
// composed from sub-contracts); an Endpoint is either a caller, which
// builds typed stubs over pkg/rpc, or a responder, which dispatches
// inbound streams to the registered handler by method path.
package contract

import (
	"fmt"

	"github.com/nogipx/rpcmesh/pkg/codec"
	"github.com/nogipx/rpcmesh/pkg/rpc"
)

// MethodRegistration binds one method name to its shape, codecs, and
// handler (§3).
type MethodRegistration struct {
	Name          string
	Shape         rpc.Shape
	Description   string
	RequestCodec  codec.Codec
	ResponseCodec codec.Codec
	NewRequest    func() any

	UnaryHandler        rpc.UnaryHandler
	ServerStreamHandler rpc.ServerStreamHandler
	ClientStreamHandler rpc.ClientStreamHandler
	BidiHandler         rpc.BidiHandler
}

// ServiceContract is a named, composable registry of methods (§3, §4.6).
// Method-name uniqueness is enforced across the whole contract chain at
// registration time, not just within one contract.
type ServiceContract struct {
	Name string

	methods map[string]*MethodRegistration
	subs    []*ServiceContract
	prefix  string
}

// New builds an empty contract for serviceName.
func New(serviceName string) *ServiceContract {
	return &ServiceContract{Name: serviceName, methods: make(map[string]*MethodRegistration)}
}

// Register adds a method registration, failing if the name already exists
// anywhere in this contract's tree.
func (c *ServiceContract) Register(reg *MethodRegistration) error {
	if _, exists := c.resolve(reg.Name); exists {
		return fmt.Errorf("contract: method %q already registered on %q", reg.Name, c.Name)
	}
	c.methods[reg.Name] = reg
	return nil
}

// AddSubContract composes sub under c. A non-empty prefix yields the
// canonical full method name "<prefix>.<methodName>" when resolving, so two
// sub-contracts may otherwise share method names.
func (c *ServiceContract) AddSubContract(sub *ServiceContract, prefix string) error {
	sub.prefix = prefix
	for name := range sub.allMethodNames() {
		full := name
		if prefix != "" {
			full = prefix + "." + name
		}
		if _, exists := c.resolve(full); exists {
			return fmt.Errorf("contract: method %q collides via sub-contract %q", full, sub.Name)
		}
	}
	c.subs = append(c.subs, sub)
	return nil
}

func (c *ServiceContract) allMethodNames() map[string]struct{} {
	out := make(map[string]struct{})
	for name := range c.methods {
		out[name] = struct{}{}
	}
	for _, sub := range c.subs {
		for name := range sub.allMethodNames() {
			full := name
			if sub.prefix != "" {
				full = sub.prefix + "." + name
			}
			out[full] = struct{}{}
		}
	}
	return out
}

// resolve walks the contract tree for methodName, honoring sub-contract
// prefixes.
func (c *ServiceContract) resolve(methodName string) (*MethodRegistration, bool) {
	if reg, ok := c.methods[methodName]; ok {
		return reg, true
	}
	for _, sub := range c.subs {
		name := methodName
		if sub.prefix != "" {
			if len(methodName) <= len(sub.prefix)+1 || methodName[:len(sub.prefix)+1] != sub.prefix+"." {
				continue
			}
			name = methodName[len(sub.prefix)+1:]
		}
		if reg, ok := sub.resolve(name); ok {
			return reg, true
		}
	}
	return nil, false
}

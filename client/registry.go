package client

import (
	"context"
	"fmt"

	"github.com/CiaranWoodward/mbus/msg"
)

// Identity Message
// Identify announces the module name and host to the broker and stores the
// id it assigns
func (c *Client) Identify(ctx context.Context) (msg.ModuleID, error) {
	rsp, err := c.control(ctx, msg.Control{IdReq: &msg.IdentifyRequest{Name: c.opts.Name, Host: c.opts.Host}})
	if err != nil {
		return msg.BrokerAddr, err
	}
	if rsp.IdRes == nil {
		return msg.BrokerAddr, unexpected("identify", rsp)
	}
	c.id.Store(int32(rsp.IdRes.Id))
	return rsp.IdRes.Id, nil
}

func unexpected(op string, rsp msg.Control) error {
	return msg.NewError(msg.PROTOCOL_ERROR, "%s answered with %s", op, rsp.Command())
}

func (c *Client) find(ctx context.Context, req *msg.FindRequest) (msg.Module, error) {
	rsp, err := c.control(ctx, msg.Control{FindReq: req})
	if err != nil {
		return msg.Module{}, err
	}
	if rsp.FindRes == nil {
		return msg.Module{}, unexpected("find", rsp)
	}
	if err := rsp.FindRes.Status.Err(); err != nil {
		return msg.Module{}, err
	}
	return rsp.FindRes.Module, nil
}

// FindModule looks a connected module up by name. When several modules share
// the name, the one with the lowest id is returned.
func (c *Client) FindModule(ctx context.Context, name string) (msg.Module, error) {
	m, err := c.find(ctx, &msg.FindRequest{Name: name})
	if err != nil {
		return m, fmt.Errorf("module %q: %w", name, err)
	}
	return m, nil
}

// FindModuleByName returns the id of the module called name
func (c *Client) FindModuleByName(ctx context.Context, name string) (msg.ModuleID, error) {
	m, err := c.FindModule(ctx, name)
	if err != nil {
		return msg.BrokerAddr, err
	}
	return m.ID, nil
}

// FindModuleByID returns the name of module id
func (c *Client) FindModuleByID(ctx context.Context, id msg.ModuleID) (string, error) {
	m, err := c.find(ctx, &msg.FindRequest{Id: id, ById: true})
	if err != nil {
		return "", fmt.Errorf("module %d: %w", id, err)
	}
	return m.Name, nil
}

// List Message
// ListConnected lists every connected module, this one included, sorted by id
func (c *Client) ListConnected(ctx context.Context) ([]msg.Module, error) {
	rsp, err := c.control(ctx, msg.Control{ListReq: &msg.ListRequest{}})
	if err != nil {
		return nil, err
	}
	if rsp.ListRes == nil {
		return nil, unexpected("list", rsp)
	}
	return rsp.ListRes.Modules, nil
}

// FindTypeByName returns the id of the named message type, creating it on
// first reference. Ids are cached for the lifetime of the client.
func (c *Client) FindTypeByName(ctx context.Context, name string) (msg.TypeID, error) {
	c.hmu.RLock()
	id, ok := c.types[name]
	c.hmu.RUnlock()
	if ok {
		return id, nil
	}

	rsp, err := c.control(ctx, msg.Control{TypeReq: &msg.TypeRequest{Name: name}})
	if err != nil {
		return msg.NoType, err
	}
	if rsp.TypeRes == nil {
		return msg.NoType, unexpected("type", rsp)
	}
	c.hmu.Lock()
	c.types[name] = rsp.TypeRes.Type
	c.hmu.Unlock()
	return rsp.TypeRes.Type, nil
}

// RegisterType opts this module in to ByType delivery of type t
func (c *Client) RegisterType(ctx context.Context, t msg.TypeID) error {
	rsp, err := c.control(ctx, msg.Control{RegReq: &msg.RegisterRequest{Type: t}})
	if err != nil {
		return err
	}
	if rsp.RegRes == nil {
		return unexpected("register", rsp)
	}
	if err := rsp.RegRes.Status.Err(); err != nil {
		return fmt.Errorf("register type %d: %w", t, err)
	}
	return nil
}

package portal

import (
	"context"
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
)

var ErrUnexpectedResponse = errors.New("unexpected response from dbus")

const (
	requestInterface = "org.freedesktop.portal.Request"
	responseMember   = "Response"
	requestCloseName = requestInterface + ".Close"
)

// Status is the response code of a portal Request.
type Status = uint32

const (
	Success   Status = 0
	Cancelled Status = 1
	Ended     Status = 2
)

// Response is the outcome of a portal request.
type Response struct {
	Status  Status
	Results map[string]dbus.Variant
}

// Request performs a portal method whose result arrives as a Response signal
// on the Request object. The signal is subscribed before invoke runs. When
// ctx ends first the Request is closed and ctx.Err is returned.
func (c *Conn) Request(ctx context.Context, token string, invoke func() (*dbus.Call, error)) (*Response, error) {
	path := c.RequestPath(token)

	match := []dbus.MatchOption{
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(requestInterface),
		dbus.WithMatchMember(responseMember),
	}
	if err := c.bus.AddMatchSignal(match...); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", path, err)
	}
	defer func() { _ = c.bus.RemoveMatchSignal(match...) }()

	signals := make(chan *dbus.Signal, 4)
	c.bus.Signal(signals)
	defer c.bus.RemoveSignal(signals)

	call, err := invoke()
	if err != nil {
		return nil, err
	}

	var handle dbus.ObjectPath
	if err := call.Store(&handle); err != nil {
		return nil, fmt.Errorf("request handle: %w", err)
	}
	if handle != path {
		// Older portals do not honor handle_token.
		path = handle
	}

	for {
		select {
		case <-ctx.Done():
			_, _ = c.Call(context.Background(), path, requestCloseName)
			return nil, ctx.Err()
		case sig, ok := <-signals:
			if !ok {
				return nil, ErrUnexpectedResponse
			}
			if sig.Path != path || sig.Name != requestInterface+"."+responseMember {
				continue
			}
			return parseResponse(sig.Body)
		}
	}
}

func parseResponse(body []any) (*Response, error) {
	if len(body) != 2 {
		return nil, ErrUnexpectedResponse
	}
	status, ok := body[0].(uint32)
	if !ok {
		return nil, fmt.Errorf("%w: status has type %T", ErrUnexpectedResponse, body[0])
	}
	results, ok := body[1].(map[string]dbus.Variant)
	if !ok {
		return nil, fmt.Errorf("%w: results have type %T", ErrUnexpectedResponse, body[1])
	}
	return &Response{Status: status, Results: results}, nil
}

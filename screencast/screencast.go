// Package screencast drives the XDG ScreenCast portal and turns the streams
// it grants into capture sources.
package screencast

import (
	"context"
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"

	"go2tv.app/screenrec/internal/portal"
)

const (
	interfaceName          = portal.CallBaseName + ".ScreenCast"
	createSessionName      = interfaceName + ".CreateSession"
	selectSourcesName      = interfaceName + ".SelectSources"
	startName              = interfaceName + ".Start"
	openPipeWireRemoteName = interfaceName + ".OpenPipeWireRemote"
)

const (
	SourceTypeMonitor uint32 = 1
	SourceTypeWindow  uint32 = 2
	SourceTypeVirtual uint32 = 4
)

const (
	CursorModeHidden   uint32 = 1
	CursorModeEmbedded uint32 = 2
	CursorModeMetadata uint32 = 4
)

const (
	PersistModeNone       uint32 = 0
	PersistModeRunning    uint32 = 1
	PersistModePersistent uint32 = 2
)

// ErrCancelled is returned when the user dismisses the portal dialog.
var ErrCancelled = errors.New("screencast request cancelled")

// Client issues ScreenCast portal calls on one bus connection.
type Client struct {
	conn *portal.Conn
}

func NewClient(conn *portal.Conn) *Client {
	return &Client{conn: conn}
}

func (c *Client) AvailableSourceTypes(ctx context.Context) (uint32, error) {
	return c.conn.Uint32Property(ctx, interfaceName, "AvailableSourceTypes")
}

func (c *Client) AvailableCursorModes(ctx context.Context) (uint32, error) {
	return c.conn.Uint32Property(ctx, interfaceName, "AvailableCursorModes")
}

func (c *Client) Version(ctx context.Context) (uint32, error) {
	return c.conn.Uint32Property(ctx, interfaceName, "version")
}

// Stream is one PipeWire node granted by Start.
type Stream struct {
	NodeID     uint32
	Position   [2]int32
	Size       [2]int32
	SourceType uint32
	MappingID  string
	ID         string
}

type Session struct {
	Path dbus.ObjectPath
	conn *portal.Conn
}

type SelectSourcesOptions struct {
	Types        uint32
	Multiple     bool
	CursorMode   uint32
	RestoreToken string
	PersistMode  uint32
}

func (c *Client) request(ctx context.Context, method string, args func(token string) []any) (map[string]dbus.Variant, error) {
	token := portal.NewToken("screenrec")
	resp, err := c.conn.Request(ctx, token, func() (*dbus.Call, error) {
		return c.conn.Call(ctx, portal.ObjectPath, method, args(token)...)
	})
	if err != nil {
		return nil, err
	}
	if resp.Status != portal.Success {
		return nil, fmt.Errorf("%w: %s returned status %d", ErrCancelled, method, resp.Status)
	}
	return resp.Results, nil
}

// CreateSession opens a new ScreenCast session.
func (c *Client) CreateSession(ctx context.Context) (*Session, error) {
	results, err := c.request(ctx, createSessionName, func(token string) []any {
		return []any{map[string]dbus.Variant{
			"handle_token":         portal.FromString(token),
			"session_handle_token": portal.FromString(portal.NewToken("screenrec_session")),
		}}
	})
	if err != nil {
		return nil, err
	}

	handle, ok := portal.StringResult(results, "session_handle")
	if !ok {
		return nil, fmt.Errorf("%w: missing session_handle", portal.ErrUnexpectedResponse)
	}
	return &Session{Path: dbus.ObjectPath(handle), conn: c.conn}, nil
}

func (s *Session) client() *Client {
	return &Client{conn: s.conn}
}

func (s *Session) SelectSources(ctx context.Context, options SelectSourcesOptions) error {
	_, err := s.client().request(ctx, selectSourcesName, func(token string) []any {
		data := map[string]dbus.Variant{
			"handle_token": portal.FromString(token),
		}
		if options.Types != 0 {
			data["types"] = portal.FromUint32(options.Types)
		}
		if options.Multiple {
			data["multiple"] = portal.FromBool(options.Multiple)
		}
		if options.CursorMode != 0 {
			data["cursor_mode"] = portal.FromUint32(options.CursorMode)
		}
		if options.RestoreToken != "" {
			data["restore_token"] = portal.FromString(options.RestoreToken)
		}
		if options.PersistMode != 0 {
			data["persist_mode"] = portal.FromUint32(options.PersistMode)
		}
		return []any{s.Path, data}
	})
	return err
}

// Start shows the portal picker and returns the streams the user granted.
func (s *Session) Start(ctx context.Context, parentWindow string) ([]Stream, error) {
	results, err := s.client().request(ctx, startName, func(token string) []any {
		return []any{s.Path, parentWindow, map[string]dbus.Variant{
			"handle_token": portal.FromString(token),
		}}
	})
	if err != nil {
		return nil, err
	}
	raw, ok := results["streams"]
	if !ok {
		return nil, nil
	}
	return parseStreams(raw.Value()), nil
}

func parseStreams(value any) []Stream {
	var rawStreams [][]any
	switch rs := value.(type) {
	case [][]any:
		rawStreams = rs
	case []any:
		for _, r := range rs {
			if s, ok := r.([]any); ok {
				rawStreams = append(rawStreams, s)
			}
		}
	}

	streams := make([]Stream, 0, len(rawStreams))
	for _, streamSlice := range rawStreams {
		if len(streamSlice) < 2 {
			continue
		}

		stream := Stream{}
		if nodeID, ok := streamSlice[0].(uint32); ok {
			stream.NodeID = nodeID
		}
		props, _ := streamSlice[1].(map[string]dbus.Variant)
		stream.Position = pair(props["position"])
		stream.Size = pair(props["size"])
		if v, ok := props["source_type"].Value().(uint32); ok {
			stream.SourceType = v
		}
		if v, ok := props["mapping_id"].Value().(string); ok {
			stream.MappingID = v
		}
		if v, ok := props["id"].Value().(string); ok {
			stream.ID = v
		}
		streams = append(streams, stream)
	}
	return streams
}

func pair(v dbus.Variant) [2]int32 {
	switch val := v.Value().(type) {
	case []any:
		if len(val) == 2 {
			x, _ := val[0].(int32)
			y, _ := val[1].(int32)
			return [2]int32{x, y}
		}
	case []int32:
		if len(val) == 2 {
			return [2]int32{val[0], val[1]}
		}
	}
	return [2]int32{}
}

// OpenPipeWireRemote returns a file descriptor for the PipeWire remote
// scoped to the session's streams. The caller owns the descriptor.
func (s *Session) OpenPipeWireRemote(ctx context.Context) (int, error) {
	call, err := s.conn.Call(ctx, portal.ObjectPath, openPipeWireRemoteName, s.Path, map[string]dbus.Variant{})
	if err != nil {
		return -1, err
	}

	var fd dbus.UnixFD
	if err := call.Store(&fd); err != nil {
		return -1, fmt.Errorf("pipewire remote fd: %w", err)
	}
	return int(fd), nil
}

func (s *Session) Close(ctx context.Context) error {
	return s.conn.CloseSession(ctx, s.Path)
}

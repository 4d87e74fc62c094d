package session

import (
	"fmt"

	"github.com/valyala/fastjson"

	"github.com/ferux/pairbroker/internal/model"
)

// ConnectionType discriminates the first frame of a connection.
type ConnectionType uint8

const (
	ConnectionTypeUnknown ConnectionType = iota
	ConnectionTypeServer
	ConnectionTypeDevice
	ConnectionTypeError
)

func (t ConnectionType) String() string {
	switch t {
	case ConnectionTypeServer:
		return "server"
	case ConnectionTypeDevice:
		return "device"
	case ConnectionTypeError:
		return "error"
	default:
		return "unknown"
	}
}

// Devices written against the first protocol version send numbers.
var numericConnectionTypes = map[int]ConnectionType{
	0: ConnectionTypeServer,
	1: ConnectionTypeDevice,
	9: ConnectionTypeError,
}

var namedConnectionTypes = map[string]ConnectionType{
	"server": ConnectionTypeServer,
	"device": ConnectionTypeDevice,
	"robot":  ConnectionTypeDevice,
	"error":  ConnectionTypeError,
}

type hello struct {
	ConnectionType ConnectionType
	MachineID      string
}

type credential struct {
	MachineID string
	HostToken string
}

// outbound frames
type (
	confirmationFrame struct {
		Message string `json:"message"`
	}

	clientTokenFrame struct {
		ClientToken string `json:"client_token"`
	}

	errorFrame struct {
		Error string `json:"error"`
	}
)

const confirmationMessage = "Successfully Connected with the Robot!!"

func parseHello(data []byte) (hello, error) {
	v, err := fastjson.ParseBytes(data)
	if err != nil {
		return hello{}, fmt.Errorf("%w: %v", model.ErrMalformedFrame, err)
	}

	ct := v.Get("connection_type")
	if ct == nil {
		return hello{}, fmt.Errorf("%w: connection_type is missing", model.ErrMalformedFrame)
	}

	var h hello

	switch ct.Type() {
	case fastjson.TypeNumber:
		n, err := ct.Int()
		if err != nil {
			return hello{}, fmt.Errorf("%w: connection_type: %v", model.ErrMalformedFrame, err)
		}

		h.ConnectionType = numericConnectionTypes[n]
	case fastjson.TypeString:
		h.ConnectionType = namedConnectionTypes[string(ct.GetStringBytes())]
	default:
		return hello{}, fmt.Errorf("%w: connection_type is %s", model.ErrMalformedFrame, ct.Type())
	}

	h.MachineID = string(v.GetStringBytes("machine_id"))

	return h, nil
}

func parseCredential(data []byte) (credential, error) {
	v, err := fastjson.ParseBytes(data)
	if err != nil {
		return credential{}, fmt.Errorf("%w: %v", model.ErrMalformedFrame, err)
	}

	c := credential{
		MachineID: string(v.GetStringBytes("machine_id")),
		HostToken: string(v.GetStringBytes("host_token")),
	}

	switch {
	case len(c.MachineID) == 0:
		return credential{}, fmt.Errorf("%w: machine_id is missing", model.ErrMalformedFrame)
	case len(c.HostToken) == 0:
		return credential{}, fmt.Errorf("%w: host_token is missing", model.ErrMalformedFrame)
	}

	return c, nil
}

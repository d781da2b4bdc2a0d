package spjs

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SerialPort is one entry of the server's port list.
type SerialPort struct {
	Name         string
	Friendly     string
	IsOpen       bool
	SerialNumber string
	VID          string `json:"UsbVid"`
	PID          string `json:"UsbPid"`
}

// SPJSData is any JSON message the server sends. Only the fields for its kind
// are set.
type SPJSData struct {
	Version     string
	Commands    []string
	Hostname    string
	SerialPorts []SerialPort

	P string
	D string

	Cmd       string
	Desc      string
	ID        string `json:"Id"`
	ErrorCode string

	Port string
	QCnt int
}

// isPortData is serial output read from a port.
func (d SPJSData) isPortData() bool { return d.P != "" && d.Cmd == "" && d.D != "" }

// SendJSON is the body of a `sendjson` command.
type SendJSON struct {
	Port string         `json:"P"`
	Data []SendJSONData `json:"Data"`
}

type SendJSONData struct {
	Data string `json:"D"`
	ID   string `json:"Id"`
}

// parseMessage decodes a server message. Plain-text messages (command echoes)
// are reported with ok=false.
func parseMessage(msg string) (data SPJSData, ok bool, err error) {
	if !strings.HasPrefix(msg, "{") {
		return data, false, nil
	}
	if err := json.Unmarshal([]byte(msg), &data); err != nil {
		return data, false, fmt.Errorf("parse SPJS payload (%s): %w", msg, err)
	}
	return data, true, nil
}

// SerialPortMatcher picks the station's port out of the server's list.
type SerialPortMatcher func(SerialPort) bool

// NewVIDPIDMatcher returns a SerialPortMatcher that returns true if the usb vendor and product IDs match.
func NewVIDPIDMatcher(vid, pid string) SerialPortMatcher {
	return func(sp SerialPort) bool {
		return strings.EqualFold(sp.VID, vid) && strings.EqualFold(sp.PID, pid)
	}
}

// NewNameMatcher matches a port by its device name.
func NewNameMatcher(name string) SerialPortMatcher {
	return func(sp SerialPort) bool { return sp.Name == name }
}

func jsonString(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

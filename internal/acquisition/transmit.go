package acquisition

import "github.com/banshee-data/rplidar-osc/internal/osc"

// Transmitter sends one named message carrying ordered values to a fixed
// host and port. Send must return quickly; delivery is not guaranteed.
type Transmitter interface {
	Send(address string, values ...interface{}) error
	Close() error
}

// TransmitterFactory binds a Transmitter to host:port.
type TransmitterFactory func(host string, port int) (Transmitter, error)

// OSCTransmitter is the production TransmitterFactory.
func OSCTransmitter(host string, port int) (Transmitter, error) {
	c, err := osc.NewClient(host, port)
	if err != nil {
		return nil, err
	}
	return c, nil
}

var _ Transmitter = (*osc.Client)(nil)

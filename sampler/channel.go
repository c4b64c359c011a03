package sampler

import (
	"fmt"
	"strings"
)

// Attenuation selects the input range of an analog channel.
type Attenuation int

const (
	Atten0dB Attenuation = iota
	Atten2_5dB
	Atten6dB
	Atten12dB
)

var attenuationNames = map[Attenuation]string{
	Atten0dB:   "0db",
	Atten2_5dB: "2.5db",
	Atten6dB:   "6db",
	Atten12dB:  "12db",
}

func (a Attenuation) String() string {
	if name, ok := attenuationNames[a]; ok {
		return name
	}
	return fmt.Sprintf("attenuation(%d)", int(a))
}

// ParseAttenuation accepts "0db", "2.5db", "6db" and "12db" (case-insensitive,
// "db" suffix optional).
func ParseAttenuation(s string) (Attenuation, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if !strings.HasSuffix(key, "db") {
		key += "db"
	}
	for a, name := range attenuationNames {
		if name == key {
			return a, nil
		}
	}
	return 0, fmt.Errorf("sampler: unknown attenuation %q", s)
}

// ChannelConfig identifies one analog input and how it is read.
type ChannelConfig struct {
	Unit        int
	Channel     int
	Attenuation Attenuation
	Bitwidth    int
}

func (c ChannelConfig) String() string {
	return fmt.Sprintf("unit %d channel %d (%s, %d bit)", c.Unit, c.Channel, c.Attenuation, c.Bitwidth)
}

// MaxRaw is the largest raw value representable at the configured bitwidth.
func (c ChannelConfig) MaxRaw() int {
	if c.Bitwidth <= 0 {
		return 0
	}
	return 1<<c.Bitwidth - 1
}

// Driver opens an analog peripheral for one channel. The returned Handle owns
// the peripheral until Close.
type Driver interface {
	Open(cfg ChannelConfig) (Handle, error)
}

// Handle is an open analog channel.
type Handle interface {
	Read() (int, error)
	Close() error
}

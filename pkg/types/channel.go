package types

import (
	"fmt"
	"strings"
)

// ChannelKind identifies the sensor family of a channel. Values follow the FIFF
// channel kind numbering so they can travel unchanged on the wire.
type ChannelKind int32

const (
	ChannelMEG  ChannelKind = 1
	ChannelEEG  ChannelKind = 2
	ChannelSTIM ChannelKind = 3
	ChannelMISC ChannelKind = 502
)

func (k ChannelKind) String() string {
	switch k {
	case ChannelMEG:
		return "meg"
	case ChannelEEG:
		return "eeg"
	case ChannelSTIM:
		return "stim"
	case ChannelMISC:
		return "misc"
	default:
		return fmt.Sprintf("kind(%d)", int32(k))
	}
}

func ParseChannelKind(s string) (ChannelKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "meg", "mag", "grad":
		return ChannelMEG, nil
	case "eeg":
		return ChannelEEG, nil
	case "stim", "trigger":
		return ChannelSTIM, nil
	case "misc", "":
		return ChannelMISC, nil
	}
	return 0, fmt.Errorf("unknown channel kind %q", s)
}

func (k *ChannelKind) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	kind, err := ParseChannelKind(s)
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

func (k ChannelKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ChannelKind) UnmarshalText(text []byte) error {
	kind, err := ParseChannelKind(string(text))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// Unit is the physical unit of a channel, FIFF unit numbering.
type Unit int32

const (
	UnitNone         Unit = -1
	UnitVolt         Unit = 107
	UnitTesla        Unit = 112
	UnitTeslaPerMetr Unit = 201
)

func (u Unit) String() string {
	switch u {
	case UnitNone:
		return "none"
	case UnitVolt:
		return "V"
	case UnitTesla:
		return "T"
	case UnitTeslaPerMetr:
		return "T/m"
	default:
		return fmt.Sprintf("unit(%d)", int32(u))
	}
}

func ParseUnit(s string) (Unit, error) {
	switch strings.TrimSpace(s) {
	case "none", "":
		return UnitNone, nil
	case "V", "v":
		return UnitVolt, nil
	case "T", "t":
		return UnitTesla, nil
	case "T/m", "t/m":
		return UnitTeslaPerMetr, nil
	}
	return 0, fmt.Errorf("unknown unit %q", s)
}

func (u *Unit) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	unit, err := ParseUnit(s)
	if err != nil {
		return err
	}
	*u = unit
	return nil
}

func (u Unit) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

func (u *Unit) UnmarshalText(text []byte) error {
	unit, err := ParseUnit(string(text))
	if err != nil {
		return err
	}
	*u = unit
	return nil
}

// ChannelInfo describes a single acquisition channel.
type ChannelInfo struct {
	Name        string      `yaml:"name" json:"name"`
	Kind        ChannelKind `yaml:"kind" json:"kind"`
	Unit        Unit        `yaml:"unit" json:"unit"`
	Calibration float64     `yaml:"calibration" json:"calibration"`
}
